package engine

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

// failureSignature fingerprints a failing validation round: same failing
// validators with the same error tails hash to the same signature, which
// lets progress consumers (and the engine's own repeat counter) spot a loop
// that is going nowhere. Reporting only; routing never depends on it.
func failureSignature(failedNames []string, results []runtime.ValidatorResult) string {
	if len(failedNames) == 0 {
		return ""
	}
	h := blake3.New()
	for _, name := range failedNames {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0})
	}
	for _, r := range results {
		if r.Success {
			continue
		}
		_, _ = h.Write([]byte(strings.TrimSpace(r.Stderr)))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Package validators provides the named pass/fail checks the convergence
// loop runs each round. Validators are run by the engine, in declared order,
// and their failures feed the repair step's context.
package validators

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

const DefaultTimeout = 10 * time.Minute

// Validator is one named check. Execute may return an error or even panic;
// Run converts both into a well-formed failing result so a validation round
// always completes.
type Validator interface {
	Name() string
	Execute(ctx context.Context) (runtime.ValidatorResult, error)
}

// Run executes a validator with timing and failure capture. This is the only
// way the engine invokes validators: no error and no panic escapes.
func Run(ctx context.Context, v Validator) (res runtime.ValidatorResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = runtime.ValidatorResult{
				Name:      v.Name(),
				Success:   false,
				Stderr:    fmt.Sprintf("validator panic: %v", r),
				StartedAt: start,
				Duration:  time.Since(start).Seconds(),
				Metadata:  map[string]any{},
			}
		}
	}()

	out, err := v.Execute(ctx)
	out.Name = v.Name()
	out.StartedAt = start
	out.Duration = time.Since(start).Seconds()
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	if err != nil {
		out.Success = false
		if strings.TrimSpace(out.Stderr) == "" {
			out.Stderr = err.Error()
		}
	}
	return out
}

// RunAll executes every validator sequentially in the given order and
// returns their results in the same order.
func RunAll(ctx context.Context, vs []Validator) []runtime.ValidatorResult {
	results := make([]runtime.ValidatorResult, 0, len(vs))
	for _, v := range vs {
		results = append(results, Run(ctx, v))
	}
	return results
}

func tailLines(s string, n int) string {
	if n <= 0 || s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

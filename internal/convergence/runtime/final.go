package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type FinalStatus string

const (
	FinalSuccess   FinalStatus = "success"
	FinalFail      FinalStatus = "fail"
	FinalCancelled FinalStatus = "cancelled"
)

// FinalOutcome is the terminal record persisted as final.json in the run's
// logs root. Budget exhaustion and external cancellation are distinct
// statuses: both stop the loop, but they mean different things to callers.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID string `json:"run_id"`

	Attempts         int      `json:"attempts"`
	FailedValidators []string `json:"failed_validators,omitempty"`
	FailureReason    string   `json:"failure_reason,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(fo, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

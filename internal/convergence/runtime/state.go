package runtime

import (
	"time"
)

// StepResult records one setup-step (or main-task) execution. Created fresh
// per execution and never mutated after being appended to a results list.
type StepResult struct {
	Description string    `json:"description"`
	Command     string    `json:"command,omitempty"`
	Success     bool      `json:"success"`
	Output      string    `json:"output"`
	Stderr      string    `json:"stderr"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Duration    float64   `json:"duration_seconds"`
	StartedAt   time.Time `json:"started_at"`
}

// ValidatorResult records one validator execution within a round.
type ValidatorResult struct {
	Name      string         `json:"name"`
	Success   bool           `json:"success"`
	Output    string         `json:"output"`
	Stderr    string         `json:"stderr"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Duration  float64        `json:"duration_seconds"`
	StartedAt time.Time      `json:"started_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RepairAction records what a repairer did on one retry cycle.
type RepairAction struct {
	Attempt   int       `json:"attempt"`
	Repairer  string    `json:"repairer"`
	Actions   []string  `json:"actions,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Duration  float64   `json:"duration_seconds"`
}

// State is the single mutable record threaded through the convergence graph.
// It is owned by the engine for the duration of one run; node handlers read
// it and return an Update, never holding a reference across steps.
type State struct {
	Attempt     int
	MaxAttempts int

	// Success reflects the most recent validation round only.
	Success bool

	SetupCompleted bool
	SetupResults   []StepResult

	MainTaskDone   bool
	MainTaskResult *StepResult

	// ValidationResults always holds the latest round; cumulative failure
	// tracking lives solely in FailureHistory.
	ValidationResults []ValidatorResult
	FailedValidators  []string

	// FailureHistory holds the full validation results of every round that
	// did not fully succeed, in round order. Append-only.
	FailureHistory [][]ValidatorResult

	RepairActions []RepairAction

	// Immutable for the run.
	WorkingDir string
	EnvVars    map[string]string
}

// NewState builds the initial state for a run.
func NewState(maxAttempts int, workingDir string, envVars map[string]string) *State {
	env := map[string]string{}
	for k, v := range envVars {
		env[k] = v
	}
	return &State{
		Attempt:     0,
		MaxAttempts: maxAttempts,
		WorkingDir:  workingDir,
		EnvVars:     env,
	}
}

// RoundUpdate carries the outcome of one validation round.
type RoundUpdate struct {
	Success     bool
	Results     []ValidatorResult
	FailedNames []string
}

// Update is the partial state diff a node handler returns. The engine merges
// it with Apply; handlers never write State directly.
type Update struct {
	// Attempt, when non-nil, overwrites the attempt counter.
	Attempt *int

	// SetupCompleted, when non-nil, overwrites the setup guard.
	SetupCompleted *bool
	// SetupResults, when non-nil, records the setup step results (set once
	// per run; the setup handler is idempotent).
	SetupResults []StepResult

	// MainTask, when non-nil, records a main-task execution.
	MainTaskDone   *bool
	MainTaskResult *StepResult

	// Round, when non-nil, overwrites the latest validation results and, for
	// failing rounds, appends the snapshot to FailureHistory.
	Round *RoundUpdate

	// RepairActions are appended.
	RepairActions []RepairAction
}

// Apply merges an update into the state. The merge is total: every State
// field is either passed through unchanged or explicitly overwritten here,
// so accumulated fields (FailureHistory, RepairActions) cannot be silently
// lost by a handler returning a sparse diff.
func (s *State) Apply(u Update) {
	if u.Attempt != nil {
		s.Attempt = *u.Attempt
	}
	if u.SetupCompleted != nil {
		s.SetupCompleted = *u.SetupCompleted
	}
	if u.SetupResults != nil {
		s.SetupResults = u.SetupResults
	}
	if u.MainTaskDone != nil {
		s.MainTaskDone = *u.MainTaskDone
	}
	if u.MainTaskResult != nil {
		s.MainTaskResult = u.MainTaskResult
	}
	if u.Round != nil {
		s.Success = u.Round.Success
		s.ValidationResults = u.Round.Results
		s.FailedValidators = u.Round.FailedNames
		if !u.Round.Success {
			snapshot := append([]ValidatorResult{}, u.Round.Results...)
			s.FailureHistory = append(s.FailureHistory, snapshot)
		}
	}
	if len(u.RepairActions) > 0 {
		s.RepairActions = append(s.RepairActions, u.RepairActions...)
	}
	// WorkingDir, EnvVars, MaxAttempts are immutable for the run and have no
	// update channel.
}

// IntPtr and BoolPtr are small helpers for building Updates.
func IntPtr(v int) *int    { return &v }
func BoolPtr(v bool) *bool { return &v }

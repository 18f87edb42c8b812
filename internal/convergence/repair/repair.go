// Package repair applies corrective actions between failed validation rounds.
package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strongdm/converge/internal/convergence/runtime"
	"github.com/strongdm/converge/internal/convergence/setup"
)

// Context carries the failure picture a repairer works from. All slices are
// read-only views; repairers must not mutate them.
type Context struct {
	Attempt           int
	MaxAttempts       int
	FailedValidators  []string
	ValidationResults []runtime.ValidatorResult
	FailureHistory    [][]runtime.ValidatorResult
	WorkingDir        string
	EnvVars           map[string]string
}

// Repairer attempts to fix whatever made the last validation round fail.
// Implementations never return a nil RepairAction; errors are recorded in
// the action's Error field as well as returned.
type Repairer interface {
	Name() string
	Repair(ctx context.Context, rc Context) (runtime.RepairAction, error)
}

// CommandRepairer shells out to a fixed repair command. The failure picture
// is exported through the environment and a JSON context file so external
// tools (scripts, agents) can act on it.
type CommandRepairer struct {
	RepairerName string
	Command      string
	Timeout      time.Duration
}

func (r *CommandRepairer) Name() string {
	if r.RepairerName != "" {
		return r.RepairerName
	}
	return "command"
}

func (r *CommandRepairer) Repair(ctx context.Context, rc Context) (runtime.RepairAction, error) {
	action := runtime.RepairAction{
		Attempt:   rc.Attempt,
		Repairer:  r.Name(),
		StartedAt: time.Now(),
	}

	ctxPath, err := writeFailureContext(rc)
	if err != nil {
		action.Error = err.Error()
		action.Duration = time.Since(action.StartedAt).Seconds()
		return action, err
	}
	defer os.Remove(ctxPath)

	vars := map[string]string{}
	for k, v := range rc.EnvVars {
		vars[k] = v
	}
	vars["CONVERGE_ATTEMPT"] = fmt.Sprintf("%d", rc.Attempt)
	vars["CONVERGE_MAX_ATTEMPTS"] = fmt.Sprintf("%d", rc.MaxAttempts)
	vars["CONVERGE_FAILED_VALIDATORS"] = strings.Join(rc.FailedValidators, ",")
	vars["CONVERGE_FAILURE_CONTEXT"] = ctxPath

	step := setup.Step{
		Description: "repair: " + r.Name(),
		Command:     r.Command,
		Timeout:     r.Timeout,
	}
	res := step.Run(ctx, vars, rc.WorkingDir)

	action.Actions = []string{res.Command}
	action.Notes = res.Output
	action.Duration = time.Since(action.StartedAt).Seconds()
	if !res.Success {
		action.Error = res.Stderr
		if action.Error == "" {
			action.Error = "repair command failed"
		}
	}
	return action, nil
}

// writeFailureContext serializes the failure picture to a temp file and
// returns its path.
func writeFailureContext(rc Context) (string, error) {
	payload := map[string]any{
		"attempt":            rc.Attempt,
		"max_attempts":       rc.MaxAttempts,
		"failed_validators":  rc.FailedValidators,
		"validation_results": rc.ValidationResults,
		"failure_history":    rc.FailureHistory,
		"working_directory":  rc.WorkingDir,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal failure context: %w", err)
	}
	f, err := os.CreateTemp("", "converge-failure-*.json")
	if err != nil {
		return "", fmt.Errorf("create failure context: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write failure context: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close failure context: %w", err)
	}
	return filepath.Clean(path), nil
}

// SimulatedRepairer records what it would have done without touching the
// workspace. Used when no repair command is configured, and in tests.
type SimulatedRepairer struct{}

func (r *SimulatedRepairer) Name() string { return "simulated" }

func (r *SimulatedRepairer) Repair(ctx context.Context, rc Context) (runtime.RepairAction, error) {
	_ = ctx
	start := time.Now()
	actions := make([]string, 0, len(rc.FailedValidators))
	for _, name := range rc.FailedValidators {
		actions = append(actions, "[simulated] repair for validator: "+name)
	}
	return runtime.RepairAction{
		Attempt:   rc.Attempt,
		Repairer:  r.Name(),
		Actions:   actions,
		Notes:     fmt.Sprintf("simulated repair, attempt %d of %d", rc.Attempt+1, rc.MaxAttempts),
		StartedAt: start,
		Duration:  time.Since(start).Seconds(),
	}, nil
}

// FuncRepairer adapts a plain function, mainly for tests.
type FuncRepairer struct {
	RepairerName string
	Fn           func(ctx context.Context, rc Context) (runtime.RepairAction, error)
}

func (r *FuncRepairer) Name() string {
	if r.RepairerName != "" {
		return r.RepairerName
	}
	return "func"
}

func (r *FuncRepairer) Repair(ctx context.Context, rc Context) (runtime.RepairAction, error) {
	return r.Fn(ctx, rc)
}

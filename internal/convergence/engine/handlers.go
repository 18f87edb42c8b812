package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/strongdm/converge/internal/convergence/model"
	"github.com/strongdm/converge/internal/convergence/repair"
	"github.com/strongdm/converge/internal/convergence/runtime"
	"github.com/strongdm/converge/internal/convergence/setup"
	"github.com/strongdm/converge/internal/convergence/validators"
)

// Execution is the per-node view handed to handlers. Handlers read state
// through it and report changes as an Update; they never mutate State.
type Execution struct {
	Graph  *model.Graph
	State  *runtime.State
	Engine *Engine
}

type Handler interface {
	Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Update, error)
}

type HandlerRegistry struct {
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{handlers: map[string]Handler{}}
	r.Register(model.KindStart, noopHandler{})
	r.Register(model.KindSetup, setupHandler{})
	r.Register(model.KindRunMainTask, mainTaskHandler{})
	r.Register(model.KindValidate, validateHandler{})
	r.Register(model.KindDecide, noopHandler{})
	r.Register(model.KindRepair, repairHandler{})
	r.Register(model.KindIncrementAttempt, incrementHandler{})
	r.Register(model.KindExit, noopHandler{})
	return r
}

func (r *HandlerRegistry) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

func (r *HandlerRegistry) Resolve(node *model.Node) (Handler, error) {
	h, ok := r.handlers[node.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler for node kind %q", node.Kind)
	}
	return h, nil
}

// noopHandler serves the pure routing points: start, decide (which only
// exists to host its condition), and exit.
type noopHandler struct{}

func (noopHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Update, error) {
	return runtime.Update{}, nil
}

// setupHandler runs the declared setup steps exactly once per run. Steps are
// fail-soft: a failing step is recorded and the remaining steps still run.
type setupHandler struct{}

func (setupHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Update, error) {
	s := exec.State
	if s.SetupCompleted {
		exec.Engine.appendProgress(map[string]any{
			"event":   "setup_skipped",
			"node_id": node.ID,
		})
		return runtime.Update{}, nil
	}
	steps := exec.Engine.SetupSteps
	results := setup.RunAll(ctx, steps, s.EnvVars, s.WorkingDir)
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	exec.Engine.appendProgress(map[string]any{
		"event":        "setup_completed",
		"node_id":      node.ID,
		"steps":        len(results),
		"failed_steps": failed,
	})
	return runtime.Update{
		SetupCompleted: runtime.BoolPtr(true),
		SetupResults:   results,
	}, nil
}

// mainTaskHandler runs the primary command. Its failure is never an error:
// the loop exists to diagnose and retry it.
type mainTaskHandler struct{}

func (mainTaskHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Update, error) {
	task := exec.Engine.MainTask
	if task == nil {
		res := runtime.StepResult{
			Description: "main task",
			Success:     false,
			Stderr:      "no main task configured",
			StartedAt:   time.Now().UTC(),
		}
		return runtime.Update{
			MainTaskDone:   runtime.BoolPtr(false),
			MainTaskResult: &res,
		}, nil
	}
	s := exec.State
	res := task.Run(ctx, s.EnvVars, s.WorkingDir)
	exec.Engine.appendProgress(map[string]any{
		"event":   "main_task_finished",
		"node_id": node.ID,
		"attempt": s.Attempt,
		"success": res.Success,
	})
	return runtime.Update{
		MainTaskDone:   runtime.BoolPtr(res.Success),
		MainTaskResult: &res,
	}, nil
}

// validateHandler runs the full validation round. Every validator executes
// regardless of earlier failures so the round's diagnosis is complete.
type validateHandler struct{}

func (validateHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Update, error) {
	results := validators.RunAll(ctx, exec.Engine.Validators)
	failedNames := validators.AggregateFailedNames(results)
	round := runtime.RoundUpdate{
		Success:     len(failedNames) == 0,
		Results:     results,
		FailedNames: failedNames,
	}
	return runtime.Update{Round: &round}, nil
}

// repairHandler delegates to the configured repairer. Repairer errors and
// panics are demoted to recorded actions so a broken fixer cannot abort the
// loop.
type repairHandler struct{}

func (repairHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Update, error) {
	s := exec.State
	rep := exec.Engine.Repairer
	rc := repair.Context{
		Attempt:           s.Attempt,
		MaxAttempts:       s.MaxAttempts,
		FailedValidators:  s.FailedValidators,
		ValidationResults: s.ValidationResults,
		FailureHistory:    s.FailureHistory,
		WorkingDir:        s.WorkingDir,
		EnvVars:           s.EnvVars,
	}
	action, err := rep.Repair(ctx, rc)
	if err != nil && action.Error == "" {
		action.Error = err.Error()
	}
	if action.Repairer == "" {
		action.Repairer = rep.Name()
	}
	exec.Engine.appendProgress(map[string]any{
		"event":    "repair_finished",
		"node_id":  node.ID,
		"attempt":  s.Attempt,
		"repairer": action.Repairer,
		"actions":  len(action.Actions),
		"error":    action.Error,
	})
	return runtime.Update{RepairActions: []runtime.RepairAction{action}}, nil
}

// incrementHandler is the only writer of the attempt counter.
type incrementHandler struct{}

func (incrementHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Update, error) {
	s := exec.State
	exec.Engine.appendProgress(map[string]any{
		"event":                 "attempt_incremented",
		"node_id":               node.ID,
		"attempt":               s.Attempt + 1,
		"max_attempts":          s.MaxAttempts,
		"failed_validators":     s.FailedValidators,
		"failure_history_depth": len(s.FailureHistory),
	})
	return runtime.Update{Attempt: runtime.IntPtr(s.Attempt + 1)}, nil
}

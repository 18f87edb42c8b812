// Package engine drives the convergence loop: it executes the topology
// node by node, merging each handler's partial update into the run state
// until a terminal node or cancellation ends the run.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/strongdm/converge/internal/convergence/cond"
	"github.com/strongdm/converge/internal/convergence/config"
	"github.com/strongdm/converge/internal/convergence/model"
	"github.com/strongdm/converge/internal/convergence/repair"
	"github.com/strongdm/converge/internal/convergence/runtime"
	"github.com/strongdm/converge/internal/convergence/setup"
	"github.com/strongdm/converge/internal/convergence/validate"
	"github.com/strongdm/converge/internal/convergence/validators"
)

type Options struct {
	// RunID is a globally unique filesystem-safe identifier. If empty, one
	// is generated (ULID).
	RunID string

	// LogsRoot defaults to:
	//   ${XDG_STATE_HOME:-$HOME/.local/state}/converge/runs/<run_id>
	LogsRoot string

	// MaxAttempts overrides the config value when > 0.
	MaxAttempts int

	// Repairer overrides the config-declared repairer when set.
	Repairer repair.Repairer

	// ExtraValidators run after the config-declared ones, in order. This is
	// how embedders inject in-process (callable) validators.
	ExtraValidators []validators.Validator

	// Conditions defaults to the built-in registry.
	Conditions *cond.Registry
}

func (o *Options) applyDefaults() error {
	if o.RunID == "" {
		id, err := NewRunID()
		if err != nil {
			return err
		}
		o.RunID = id
	}
	if o.LogsRoot == "" {
		o.LogsRoot = defaultLogsRoot(o.RunID)
	}
	if o.Conditions == nil {
		o.Conditions = cond.NewBuiltinRegistry()
	}
	return nil
}

type Engine struct {
	Graph   *model.Graph
	Options Options
	Config  *config.File

	State *runtime.State

	Registry   *HandlerRegistry
	Conditions *cond.Registry

	SetupSteps []setup.Step
	MainTask   *setup.Step
	Validators []validators.Validator
	Repairer   repair.Repairer

	LogsRoot string

	progressMu sync.Mutex

	// roundSignatures counts identical failing rounds; reporting only.
	roundSignatures map[string]int

	terminalPersisted bool
}

// Result is the caller-facing summary of one run. The slices are the final
// state's views and must be treated as read-only.
type Result struct {
	RunID            string
	LogsRoot         string
	WorkingDirectory string

	FinalStatus runtime.FinalStatus
	Success     bool

	// Attempts is the number of attempts consumed (1-based).
	Attempts int

	SetupResults      []runtime.StepResult
	MainTaskResult    *runtime.StepResult
	ValidationResults []runtime.ValidatorResult
	FailedValidators  []string
	FailureHistory    [][]runtime.ValidatorResult
	RepairActions     []runtime.RepairAction

	FailureReason string
	TotalDuration time.Duration
}

// Prepare builds and validates the topology for a config without running
// it: the canonical loop, or the declared override.
func Prepare(cfg *config.File, conds *cond.Registry) (*model.Graph, []validate.Diagnostic, error) {
	if conds == nil {
		conds = cond.NewBuiltinRegistry()
	}
	name := cfg.Name
	if name == "" {
		name = "converge"
	}
	var g *model.Graph
	if cfg.Topology != nil {
		og, err := BuildOverride(name, cfg.Topology, conds)
		if err != nil {
			return nil, nil, err
		}
		g = og
	} else {
		g = CanonicalGraph(name, cfg.MainTask != nil, cfg.AbortOnSetupFailure)
	}
	diags := validate.Validate(g, graphRules(conds))
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			return g, diags, fmt.Errorf("topology validation: %s: %s", d.Rule, d.Message)
		}
	}
	return g, diags, nil
}

// Run executes one convergence run to completion. Every structural problem
// (bad config, bad topology, unbuildable validators) is an error before the
// first node executes; after that the loop only ends at a terminal node or
// on cancellation.
func Run(ctx context.Context, cfg *config.File, opts Options) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	g, _, err := Prepare(cfg, opts.Conditions)
	if err != nil {
		return nil, err
	}

	maxAttempts := cfg.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", maxAttempts)
	}

	env := map[string]string{}
	for k, v := range cfg.Env {
		env[k] = v
	}
	if _, ok := env["CURRENT_TIME"]; !ok {
		env["CURRENT_TIME"] = time.Now().UTC().Format(time.RFC3339)
	}

	specs := make([]validators.Spec, 0, len(cfg.Validators))
	for _, vc := range cfg.Validators {
		specs = append(specs, validators.Spec{
			Kind:               vc.Kind,
			Name:               vc.Name,
			Command:            vc.Command,
			Timeout:            config.Timeout(vc.TimeoutMS),
			CaptureLines:       vc.CaptureLines,
			Include:            vc.Include,
			Exclude:            vc.Exclude,
			FailingUnitPattern: vc.FailingUnitPattern,
		})
	}
	vs, err := validators.NewAll(specs, cfg.WorkingDirectory, env)
	if err != nil {
		return nil, err
	}
	vs = append(vs, opts.ExtraValidators...)

	rep := opts.Repairer
	if rep == nil {
		rep, err = repairerFromConfig(cfg.Repair)
		if err != nil {
			return nil, err
		}
	}

	steps := make([]setup.Step, 0, len(cfg.Setup))
	for _, sc := range cfg.Setup {
		steps = append(steps, setup.Step{
			Description: sc.Description,
			Command:     sc.Command,
			Timeout:     config.Timeout(sc.TimeoutMS),
		})
	}
	var mainTask *setup.Step
	if cfg.MainTask != nil {
		mainTask = &setup.Step{
			Description: cfg.MainTask.Description,
			Command:     cfg.MainTask.Command,
			Timeout:     config.Timeout(cfg.MainTask.TimeoutMS),
		}
	}

	eng := &Engine{
		Graph:      g,
		Options:    opts,
		Config:     cfg,
		State:      runtime.NewState(maxAttempts, cfg.WorkingDirectory, env),
		Registry:   NewHandlerRegistry(),
		Conditions: opts.Conditions,
		SetupSteps: steps,
		MainTask:   mainTask,
		Validators: vs,
		Repairer:   rep,
		LogsRoot:   opts.LogsRoot,
	}
	return eng.run(ctx)
}

// RunFile loads a config file and runs it.
func RunFile(ctx context.Context, configPath string, opts Options) (*Result, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return Run(ctx, cfg, opts)
}

// repairerFromConfig mirrors the file loader's repair checks so configs
// built in code get the same construction-time rejection.
func repairerFromConfig(rc *config.RepairConfig) (repair.Repairer, error) {
	if rc == nil {
		return &repair.SimulatedRepairer{}, nil
	}
	kind := strings.TrimSpace(rc.Kind)
	if kind == "" {
		kind = "command"
	}
	switch kind {
	case "simulated":
		return &repair.SimulatedRepairer{}, nil
	case "command":
		if strings.TrimSpace(rc.Command) == "" {
			return nil, fmt.Errorf("repair.command is required when repair.kind=command")
		}
		return &repair.CommandRepairer{
			Command: rc.Command,
			Timeout: config.Timeout(rc.TimeoutMS),
		}, nil
	default:
		return nil, fmt.Errorf("invalid repair.kind: %q (want command|simulated)", kind)
	}
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(e.LogsRoot, 0o755); err != nil {
		return nil, err
	}
	if err := writePIDFile(e.LogsRoot); err != nil {
		return nil, err
	}
	// Snapshot the run config for repeatability.
	_ = writeJSONAtomic(filepath.Join(e.LogsRoot, "run_config.json"), e.Config)
	if err := e.writeManifest(); err != nil {
		return nil, err
	}

	start := e.Graph.StartNodeID()
	if start == "" {
		return nil, fmt.Errorf("no start node found")
	}
	e.appendProgress(map[string]any{
		"event":        "run_started",
		"name":         e.Config.Name,
		"max_attempts": e.State.MaxAttempts,
		"validators":   len(e.Validators),
		"working_dir":  e.State.WorkingDir,
	})
	return e.runLoop(ctx, start)
}

func (e *Engine) runLoop(ctx context.Context, current string) (*Result, error) {
	started := time.Now()
	for {
		if ctx.Err() != nil {
			return e.finishCancelled(ctx, started), nil
		}
		node := e.Graph.Nodes[current]
		if node == nil {
			return nil, fmt.Errorf("missing node: %s", current)
		}

		update, err := e.executeNode(ctx, node)
		if err != nil {
			return nil, err
		}
		e.State.Apply(update)

		if node.Kind == model.KindValidate {
			e.recordRound()
		}
		if node.Kind == model.KindExit {
			return e.finish(node, started), nil
		}

		next, err := e.nextNodeID(node)
		if err != nil {
			return nil, err
		}
		e.appendProgress(map[string]any{
			"event":     "edge_selected",
			"from_node": node.ID,
			"to_node":   next,
		})
		current = next
	}
}

// executeNode runs a node's handler with panic containment: a panicking
// handler yields a failing record for its own phase instead of crashing the
// run.
func (e *Engine) executeNode(ctx context.Context, node *model.Node) (runtime.Update, error) {
	h, err := e.Registry.Resolve(node)
	if err != nil {
		return runtime.Update{}, err
	}
	e.appendProgress(map[string]any{
		"event":   "node_started",
		"node_id": node.ID,
		"kind":    node.Kind,
		"attempt": e.State.Attempt,
	})

	var update runtime.Update
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.appendProgress(map[string]any{
					"event":   "handler_panic",
					"node_id": node.ID,
					"kind":    node.Kind,
					"panic":   fmt.Sprint(r),
				})
				_ = os.WriteFile(filepath.Join(e.LogsRoot, "panic.txt"),
					[]byte(fmt.Sprintf("%v\n\n%s", r, rdebug.Stack())), 0o644)
				update = failingUpdate(node, fmt.Sprintf("panic: %v", r))
				err = nil
			}
		}()
		update, err = h.Execute(ctx, &Execution{Graph: e.Graph, State: e.State, Engine: e}, node)
	}()
	if err != nil {
		// Handlers report component failures inside their results; an error
		// here is still not allowed to abort the loop.
		update = failingUpdate(node, err.Error())
		err = nil
	}

	e.appendProgress(map[string]any{
		"event":   "node_finished",
		"node_id": node.ID,
		"kind":    node.Kind,
	})
	return update, nil
}

// failingUpdate converts a handler-level failure into the failing record
// appropriate for the node's phase.
func failingUpdate(node *model.Node, reason string) runtime.Update {
	now := time.Now().UTC()
	switch node.Kind {
	case model.KindValidate:
		res := runtime.ValidatorResult{
			Name:      "validation",
			Success:   false,
			Stderr:    reason,
			StartedAt: now,
		}
		return runtime.Update{Round: &runtime.RoundUpdate{
			Success:     false,
			Results:     []runtime.ValidatorResult{res},
			FailedNames: []string{res.Name},
		}}
	case model.KindRepair:
		return runtime.Update{RepairActions: []runtime.RepairAction{{
			Repairer:  "unknown",
			Error:     reason,
			StartedAt: now,
		}}}
	case model.KindSetup:
		res := runtime.StepResult{
			Description: "setup",
			Success:     false,
			Stderr:      reason,
			StartedAt:   now,
		}
		return runtime.Update{
			SetupCompleted: runtime.BoolPtr(true),
			SetupResults:   []runtime.StepResult{res},
		}
	case model.KindRunMainTask:
		res := runtime.StepResult{
			Description: "main task",
			Success:     false,
			Stderr:      reason,
			StartedAt:   now,
		}
		return runtime.Update{
			MainTaskDone:   runtime.BoolPtr(false),
			MainTaskResult: &res,
		}
	default:
		return runtime.Update{}
	}
}

// recordRound emits the round outcome event, fingerprinting failing rounds
// so repeated identical failures are visible in the progress stream.
func (e *Engine) recordRound() {
	s := e.State
	event := map[string]any{
		"event":             "round_completed",
		"attempt":           s.Attempt,
		"success":           s.Success,
		"failed_validators": s.FailedValidators,
	}
	if s.Success {
		e.roundSignatures = nil
	} else {
		sig := failureSignature(s.FailedValidators, s.ValidationResults)
		if sig != "" {
			if e.roundSignatures == nil {
				e.roundSignatures = map[string]int{}
			}
			e.roundSignatures[sig]++
			event["failure_signature"] = sig
			event["signature_count"] = e.roundSignatures[sig]
		}
	}
	e.appendProgress(event)
}

func (e *Engine) nextNodeID(node *model.Node) (string, error) {
	out := e.Graph.Outgoing(node.ID)
	if len(out) == 0 {
		return "", fmt.Errorf("node %q has no outgoing edge", node.ID)
	}
	if node.Condition == "" {
		return out[0].To, nil
	}
	fn, err := e.Conditions.Get(node.Condition)
	if err != nil {
		return "", err
	}
	route := fn(e.State)
	for _, edge := range out {
		if edge.Label == route {
			return edge.To, nil
		}
	}
	return "", fmt.Errorf("condition %q on node %q returned route %q with no matching edge",
		node.Condition, node.ID, route)
}

func (e *Engine) attemptsConsumed() int {
	n := e.State.Attempt + 1
	if n > e.State.MaxAttempts {
		n = e.State.MaxAttempts
	}
	return n
}

func (e *Engine) finish(node *model.Node, started time.Time) *Result {
	s := e.State
	status := runtime.FinalFail
	if node.Attr(attrOutcome, "fail") == "success" {
		status = runtime.FinalSuccess
	}
	reason := ""
	if status == runtime.FinalFail {
		reason = e.failureReason()
	}
	e.persistFinal(runtime.FinalOutcome{
		Timestamp:        time.Now().UTC(),
		Status:           status,
		RunID:            e.Options.RunID,
		Attempts:         e.attemptsConsumed(),
		FailedValidators: append([]string{}, s.FailedValidators...),
		FailureReason:    reason,
	})
	e.appendProgress(map[string]any{
		"event":          "run_finished",
		"status":         string(status),
		"attempts":       e.attemptsConsumed(),
		"failure_reason": reason,
	})
	return e.result(status, reason, started)
}

func (e *Engine) finishCancelled(ctx context.Context, started time.Time) *Result {
	reason := "run cancelled"
	if cause := context.Cause(ctx); cause != nil {
		reason = cause.Error()
	}
	e.persistFinal(runtime.FinalOutcome{
		Timestamp:        time.Now().UTC(),
		Status:           runtime.FinalCancelled,
		RunID:            e.Options.RunID,
		Attempts:         e.attemptsConsumed(),
		FailedValidators: append([]string{}, e.State.FailedValidators...),
		FailureReason:    reason,
	})
	e.appendProgress(map[string]any{
		"event":  "run_cancelled",
		"reason": reason,
	})
	return e.result(runtime.FinalCancelled, reason, started)
}

func (e *Engine) failureReason() string {
	s := e.State
	if e.Config.AbortOnSetupFailure {
		for _, r := range s.SetupResults {
			if !r.Success {
				return fmt.Sprintf("setup step failed: %s", r.Description)
			}
		}
	}
	if len(s.FailedValidators) > 0 {
		return fmt.Sprintf("retries exhausted after %d attempts; failing validators: %v",
			e.attemptsConsumed(), s.FailedValidators)
	}
	if e.MainTask != nil && !s.MainTaskDone {
		return fmt.Sprintf("retries exhausted after %d attempts; main task never succeeded",
			e.attemptsConsumed())
	}
	return fmt.Sprintf("retries exhausted after %d attempts", e.attemptsConsumed())
}

func (e *Engine) persistFinal(final runtime.FinalOutcome) {
	if e.terminalPersisted {
		return
	}
	_ = final.Save(filepath.Join(e.LogsRoot, "final.json"))
	e.terminalPersisted = true
}

func (e *Engine) result(status runtime.FinalStatus, reason string, started time.Time) *Result {
	s := e.State
	return &Result{
		RunID:             e.Options.RunID,
		LogsRoot:          e.LogsRoot,
		WorkingDirectory:  s.WorkingDir,
		FinalStatus:       status,
		Success:           status == runtime.FinalSuccess,
		Attempts:          e.attemptsConsumed(),
		SetupResults:      s.SetupResults,
		MainTaskResult:    s.MainTaskResult,
		ValidationResults: s.ValidationResults,
		FailedValidators:  s.FailedValidators,
		FailureHistory:    s.FailureHistory,
		RepairActions:     s.RepairActions,
		FailureReason:     reason,
		TotalDuration:     time.Since(started),
	}
}

func (e *Engine) writeManifest() error {
	topology := "canonical"
	if e.Config.Topology != nil {
		topology = "override"
	}
	names := make([]string, 0, len(e.Validators))
	for _, v := range e.Validators {
		names = append(names, v.Name())
	}
	manifest := map[string]any{
		"run_id":       e.Options.RunID,
		"name":         e.Config.Name,
		"working_dir":  e.State.WorkingDir,
		"max_attempts": e.State.MaxAttempts,
		"topology":     topology,
		"validators":   names,
		"repairer":     e.Repairer.Name(),
		"logs_root":    e.LogsRoot,
		"started_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	return writeJSONAtomic(filepath.Join(e.LogsRoot, "manifest.json"), manifest)
}

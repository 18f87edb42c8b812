package cond

import (
	"fmt"
	"sort"
	"strings"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

// Route labels produced by the built-in conditions. Edges out of a
// conditional node carry one of these as their label.
const (
	RouteEndSuccess = "end_success"
	RouteEndFailure = "end_failure"
	RouteRetry      = "retry"
	RouteContinue   = "continue"
	RouteMainTask   = "run_main_task"
	RouteRepair     = "repair"
)

// Func is a routing condition: it reads the state and returns the label of
// the edge to follow. Conditions never mutate state and never fail; routing
// correctness must not depend on the reliability of external actions.
type Func func(s *runtime.State) string

// Registry maps condition names to implementations. The set of names is
// fixed at construction; topology declarations may only reference
// registered conditions.
type Registry struct {
	funcs map[string]Func
}

func NewBuiltinRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}}
	r.Register("should_continue", ShouldContinue)
	r.Register("check_setup", CheckSetup)
	r.Register("check_main_task", CheckMainTask)
	r.Register("after_increment", AfterIncrement)
	return r
}

func (r *Registry) Register(name string, fn Func) {
	if r.funcs == nil {
		r.funcs = map[string]Func{}
	}
	r.funcs[name] = fn
}

func (r *Registry) Get(name string) (Func, error) {
	fn, ok := r.funcs[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("unknown condition: %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return fn, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.funcs[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ShouldContinue is the core routing decision of the retry loop.
//
// Success is checked strictly before budget exhaustion so that a round
// passing exactly on the final allowed attempt still reports success.
// attempt is 0-indexed: attempt == max_attempts-1 means the budget is spent.
func ShouldContinue(s *runtime.State) string {
	if s.Success {
		return RouteEndSuccess
	}
	if s.Attempt >= s.MaxAttempts-1 {
		return RouteEndFailure
	}
	return RouteRetry
}

// CheckSetup routes after the setup node. Setup is fail-soft by default
// (failures surface later as validator failures), so the canonical topology
// uses a plain edge; this condition exists for overrides that want to bail
// out on a hard setup failure instead.
func CheckSetup(s *runtime.State) string {
	for _, r := range s.SetupResults {
		if !r.Success {
			return RouteEndFailure
		}
	}
	return RouteContinue
}

// CheckMainTask routes after a main-task node: task success ends the run
// immediately; failure hands the error to the repair path.
func CheckMainTask(s *runtime.State) string {
	if s.MainTaskDone {
		return RouteEndSuccess
	}
	return RouteContinue
}

// AfterIncrement routes the retry cycle in main-task topologies. The main
// task can fail while every validator passes, so the budget must also be
// enforced here: after the increment, attempt equals the number of consumed
// attempts and the run ends once it reaches max_attempts.
func AfterIncrement(s *runtime.State) string {
	if s.Attempt >= s.MaxAttempts {
		return RouteEndFailure
	}
	return RouteMainTask
}

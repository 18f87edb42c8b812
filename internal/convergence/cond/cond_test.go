package cond

import (
	"testing"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

func TestShouldContinue(t *testing.T) {
	cases := []struct {
		name        string
		attempt     int
		maxAttempts int
		success     bool
		want        string
	}{
		{"first attempt failing", 0, 3, false, RouteRetry},
		{"middle attempt failing", 1, 3, false, RouteRetry},
		{"budget spent", 2, 3, false, RouteEndFailure},
		{"past budget", 5, 3, false, RouteEndFailure},
		{"success early", 0, 3, true, RouteEndSuccess},
		// Success on the final allowed attempt must still win over exhaustion.
		{"success on final attempt", 2, 3, true, RouteEndSuccess},
		{"success past budget", 9, 3, true, RouteEndSuccess},
		{"single attempt failing", 0, 1, false, RouteEndFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &runtime.State{Attempt: tc.attempt, MaxAttempts: tc.maxAttempts, Success: tc.success}
			if got := ShouldContinue(s); got != tc.want {
				t.Fatalf("ShouldContinue(attempt=%d max=%d success=%v) = %q, want %q",
					tc.attempt, tc.maxAttempts, tc.success, got, tc.want)
			}
		})
	}
}

func TestCheckSetup(t *testing.T) {
	ok := &runtime.State{SetupResults: []runtime.StepResult{{Success: true}, {Success: true}}}
	if got := CheckSetup(ok); got != RouteContinue {
		t.Fatalf("CheckSetup(all ok) = %q, want %q", got, RouteContinue)
	}
	bad := &runtime.State{SetupResults: []runtime.StepResult{{Success: true}, {Success: false}}}
	if got := CheckSetup(bad); got != RouteEndFailure {
		t.Fatalf("CheckSetup(one failed) = %q, want %q", got, RouteEndFailure)
	}
	empty := &runtime.State{}
	if got := CheckSetup(empty); got != RouteContinue {
		t.Fatalf("CheckSetup(no steps) = %q, want %q", got, RouteContinue)
	}
}

func TestCheckMainTask(t *testing.T) {
	if got := CheckMainTask(&runtime.State{MainTaskDone: true}); got != RouteEndSuccess {
		t.Fatalf("CheckMainTask(done) = %q, want %q", got, RouteEndSuccess)
	}
	if got := CheckMainTask(&runtime.State{}); got != RouteContinue {
		t.Fatalf("CheckMainTask(not done) = %q, want %q", got, RouteContinue)
	}
}

func TestAfterIncrement(t *testing.T) {
	if got := AfterIncrement(&runtime.State{Attempt: 2, MaxAttempts: 3}); got != RouteMainTask {
		t.Fatalf("AfterIncrement(2/3) = %q, want %q", got, RouteMainTask)
	}
	if got := AfterIncrement(&runtime.State{Attempt: 3, MaxAttempts: 3}); got != RouteEndFailure {
		t.Fatalf("AfterIncrement(3/3) = %q, want %q", got, RouteEndFailure)
	}
}

func TestRegistry(t *testing.T) {
	r := NewBuiltinRegistry()
	for _, name := range []string{"should_continue", "check_setup", "check_main_task", "after_increment"} {
		if !r.Has(name) {
			t.Fatalf("builtin registry is missing %q", name)
		}
	}
	if _, err := r.Get("no_such_condition"); err == nil {
		t.Fatalf("Get(unknown) returned no error")
	}

	r.Register("always_left", func(*runtime.State) string { return "left" })
	fn, err := r.Get("always_left")
	if err != nil {
		t.Fatalf("Get(always_left): %v", err)
	}
	if got := fn(&runtime.State{}); got != "left" {
		t.Fatalf("custom condition = %q, want left", got)
	}
}

package validators

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

type panicValidator struct{}

func (panicValidator) Name() string { return "boom" }
func (panicValidator) Execute(ctx context.Context) (runtime.ValidatorResult, error) {
	panic("nil map write")
}

func TestRunContainsPanic(t *testing.T) {
	res := Run(context.Background(), panicValidator{})

	if res.Success {
		t.Fatalf("Success = true for panicking validator")
	}
	if res.Name != "boom" {
		t.Fatalf("Name = %q, want boom", res.Name)
	}
	if !strings.Contains(res.Stderr, "panic") || !strings.Contains(res.Stderr, "nil map write") {
		t.Fatalf("Stderr = %q, want panic message", res.Stderr)
	}
	if res.StartedAt.IsZero() {
		t.Fatalf("StartedAt not stamped")
	}
}

func TestRunConvertsErrorToFailingResult(t *testing.T) {
	v := &CallableValidator{
		ValidatorName: "errs",
		Fn: func(ctx context.Context) (string, error) {
			return "partial output", errors.New("connection refused")
		},
	}
	res := Run(context.Background(), v)

	if res.Success {
		t.Fatalf("Success = true for erroring validator")
	}
	if res.Stderr != "connection refused" {
		t.Fatalf("Stderr = %q, want connection refused", res.Stderr)
	}
	if res.Output != "partial output" {
		t.Fatalf("Output = %q, want partial output preserved", res.Output)
	}
}

func TestRunAllPreservesDeclaredOrder(t *testing.T) {
	var executed []string
	mk := func(name string, pass bool) Validator {
		return &CallableValidator{ValidatorName: name, Fn: func(ctx context.Context) (string, error) {
			executed = append(executed, name)
			if !pass {
				return "", errors.New(name + " failed")
			}
			return "ok", nil
		}}
	}
	results := RunAll(context.Background(), []Validator{
		mk("lint", true), mk("tests", false), mk("build", true),
	})

	wantOrder := []string{"lint", "tests", "build"}
	if !reflect.DeepEqual(executed, wantOrder) {
		t.Fatalf("execution order = %v, want %v", executed, wantOrder)
	}
	var names []string
	for _, r := range results {
		names = append(names, r.Name)
	}
	if !reflect.DeepEqual(names, wantOrder) {
		t.Fatalf("result order = %v, want %v", names, wantOrder)
	}
	if !reflect.DeepEqual(AggregateFailedNames(results), []string{"tests"}) {
		t.Fatalf("AggregateFailedNames = %v, want [tests]", AggregateFailedNames(results))
	}
}

func TestCommandValidatorSuccess(t *testing.T) {
	v := &CommandValidator{
		ValidatorName: "echo",
		Command:       "echo all good",
		WorkingDir:    t.TempDir(),
	}
	res := Run(context.Background(), v)

	if !res.Success {
		t.Fatalf("Success = false: %s", res.Stderr)
	}
	if !strings.Contains(res.Output, "all good") {
		t.Fatalf("Output = %q", res.Output)
	}
	if res.Metadata["command"] != "echo all good" {
		t.Fatalf("Metadata[command] = %v", res.Metadata["command"])
	}
}

func TestCommandValidatorFailingUnits(t *testing.T) {
	v := &CommandValidator{
		ValidatorName:      "tests",
		Command:            "echo 'FAIL pkg/alpha'; echo 'FAIL pkg/beta'; echo 'FAIL pkg/alpha'; exit 1",
		WorkingDir:         t.TempDir(),
		FailingUnitPattern: regexp.MustCompile(`FAIL (\S+)`),
	}
	res := Run(context.Background(), v)

	if res.Success {
		t.Fatalf("Success = true for exit 1")
	}
	if res.ExitCode == nil || *res.ExitCode != 1 {
		t.Fatalf("ExitCode = %v, want 1", res.ExitCode)
	}
	units, ok := res.Metadata["failing_units"].([]string)
	if !ok {
		t.Fatalf("failing_units missing: %v", res.Metadata)
	}
	if !reflect.DeepEqual(units, []string{"pkg/alpha", "pkg/beta"}) {
		t.Fatalf("failing_units = %v, want deduped [pkg/alpha pkg/beta]", units)
	}
}

func TestCommandValidatorCaptureBound(t *testing.T) {
	v := &CommandValidator{
		ValidatorName: "chatty",
		Command:       "seq 1 500",
		CaptureLines:  10,
		WorkingDir:    t.TempDir(),
	}
	res := Run(context.Background(), v)

	lines := strings.Split(strings.TrimSpace(res.Output), "\n")
	if len(lines) > 11 {
		t.Fatalf("captured %d lines, want <= 11 (tail bound)", len(lines))
	}
	if lines[len(lines)-1] != "500" {
		t.Fatalf("last captured line = %q, want the tail of the output", lines[len(lines)-1])
	}
}

func TestCommandValidatorTimeout(t *testing.T) {
	v := &CommandValidator{
		ValidatorName: "slow",
		Command:       "sleep 30",
		Timeout:       100 * time.Millisecond,
		WorkingDir:    t.TempDir(),
	}
	start := time.Now()
	res := Run(context.Background(), v)

	if res.Success {
		t.Fatalf("Success = true for timed-out command")
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Fatalf("Stderr = %q, want timeout message", res.Stderr)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timed-out validator took %s", elapsed)
	}
}

func TestCommandValidatorTimeoutKeepsStderr(t *testing.T) {
	v := &CommandValidator{
		ValidatorName: "slow",
		Command:       "echo stuck waiting for lock >&2; sleep 30",
		Timeout:       300 * time.Millisecond,
		WorkingDir:    t.TempDir(),
	}
	res := Run(context.Background(), v)

	if res.Success {
		t.Fatalf("Success = true for timed-out command")
	}
	if !strings.Contains(res.Stderr, "stuck waiting for lock") {
		t.Fatalf("Stderr = %q, pre-kill output was discarded", res.Stderr)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Fatalf("Stderr = %q, want timeout message appended", res.Stderr)
	}
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const conflictedContent = "line\n<<<<<<< HEAD\nours\n=======\ntheirs\n>>>>>>> branch\n"

func TestConflictValidatorCleanTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "fine\n")
	writeFile(t, dir, "sub/b.txt", "also fine\n")

	res := Run(context.Background(), &ConflictValidator{ValidatorName: "conflicts", Root: dir})
	if !res.Success {
		t.Fatalf("Success = false for clean tree: %s", res.Stderr)
	}
}

func TestConflictValidatorDetectsMarkers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.txt", "fine\n")
	writeFile(t, dir, "sub/broken.txt", conflictedContent)

	res := Run(context.Background(), &ConflictValidator{ValidatorName: "conflicts", Root: dir})
	if res.Success {
		t.Fatalf("Success = true with conflict markers present")
	}
	files, ok := res.Metadata["conflicted_files"].([]string)
	if !ok || len(files) != 1 || files[0] != "sub/broken.txt" {
		t.Fatalf("conflicted_files = %v, want [sub/broken.txt]", res.Metadata["conflicted_files"])
	}
}

func TestConflictValidatorGlobFilters(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/main.go", conflictedContent)
	writeFile(t, dir, "vendor/dep.go", conflictedContent)
	writeFile(t, dir, "notes.txt", conflictedContent)

	res := Run(context.Background(), &ConflictValidator{
		ValidatorName: "conflicts",
		Root:          dir,
		Include:       []string{"**/*.go"},
		Exclude:       []string{"vendor/**"},
	})
	if res.Success {
		t.Fatalf("Success = true, want failure for src/main.go")
	}
	files, _ := res.Metadata["conflicted_files"].([]string)
	if len(files) != 1 || files[0] != "src/main.go" {
		t.Fatalf("conflicted_files = %v, want [src/main.go]", files)
	}
}

func TestConflictValidatorExcludesGitDirByDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".git/ORIG_HEAD", conflictedContent)

	res := Run(context.Background(), &ConflictValidator{ValidatorName: "conflicts", Root: dir})
	if !res.Success {
		t.Fatalf("Success = false, .git contents should be ignored: %v", res.Metadata)
	}
}

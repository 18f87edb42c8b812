package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeArtifact(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSnapshotFinalOutcomeIsAuthoritative(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "final.json", `{
		"status": "fail",
		"run_id": "01JABCDEF",
		"attempts": 3,
		"failed_validators": ["tests", "lint"],
		"failure_reason": "retries exhausted after 3 attempts"
	}`)
	// Stale live data must not override the terminal record.
	writeArtifact(t, root, "live.json", `{"last_event": "node_started", "attempt": 1}`)

	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateFail {
		t.Fatalf("State = %v, want fail", s.State)
	}
	if s.RunID != "01JABCDEF" {
		t.Fatalf("RunID = %q", s.RunID)
	}
	if s.Attempt != 3 {
		t.Fatalf("Attempt = %d, want 3 (from final.json, not live.json)", s.Attempt)
	}
	if len(s.FailedValidators) != 2 {
		t.Fatalf("FailedValidators = %v", s.FailedValidators)
	}
	if s.FailureReason == "" {
		t.Fatalf("FailureReason is empty")
	}
}

func TestLoadSnapshotTerminalStates(t *testing.T) {
	for _, tt := range []struct {
		status string
		want   State
	}{
		{"success", StateSuccess},
		{"fail", StateFail},
		{"cancelled", StateCancelled},
	} {
		root := t.TempDir()
		writeArtifact(t, root, "final.json",
			fmt.Sprintf(`{"status": %q, "run_id": "r1", "attempts": 1}`, tt.status))
		s, err := LoadSnapshot(root)
		if err != nil {
			t.Fatalf("LoadSnapshot(%s): %v", tt.status, err)
		}
		if s.State != tt.want {
			t.Fatalf("status %q: State = %v, want %v", tt.status, s.State, tt.want)
		}
	}
}

func TestLoadSnapshotLiveRunningProcess(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "live.json", `{
		"run_id": "01JLIVE",
		"last_event": "round_completed",
		"updated_at": "2026-08-30T10:00:00Z",
		"attempt": 1,
		"max_attempts": 5,
		"failed_validators": ["tests"]
	}`)
	// Our own PID is certainly alive.
	writeArtifact(t, root, "run.pid", fmt.Sprintf("%d\n", os.Getpid()))

	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateRunning {
		t.Fatalf("State = %v, want running", s.State)
	}
	if s.RunID != "01JLIVE" || s.LastEvent != "round_completed" {
		t.Fatalf("RunID = %q, LastEvent = %q", s.RunID, s.LastEvent)
	}
	if s.Attempt != 1 || s.MaxAttempts != 5 {
		t.Fatalf("Attempt/MaxAttempts = %d/%d", s.Attempt, s.MaxAttempts)
	}
	want := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if !s.LastEventAt.Equal(want) {
		t.Fatalf("LastEventAt = %v, want %v", s.LastEventAt, want)
	}
	if len(s.FailedValidators) != 1 || s.FailedValidators[0] != "tests" {
		t.Fatalf("FailedValidators = %v", s.FailedValidators)
	}
}

func TestLoadSnapshotProgressFallback(t *testing.T) {
	root := t.TempDir()
	// No live.json; the last progress line carries the activity.
	writeArtifact(t, root, "progress.ndjson",
		`{"event": "run_started", "ts": "2026-08-30T09:00:00Z", "run_id": "01JPRG"}
{"event": "node_started", "ts": "2026-08-30T09:00:01Z", "run_id": "01JPRG", "attempt": 2}
`)

	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.RunID != "01JPRG" {
		t.Fatalf("RunID = %q", s.RunID)
	}
	if s.LastEvent != "node_started" {
		t.Fatalf("LastEvent = %q, want last line's event", s.LastEvent)
	}
	if s.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", s.Attempt)
	}
}

func TestLoadSnapshotDeadProcess(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "live.json", `{"last_event": "node_started", "attempt": 0}`)
	// PID 1 would read as alive; an absurdly large PID cannot exist.
	writeArtifact(t, root, "run.pid", "999999999\n")

	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateDead {
		t.Fatalf("State = %v, want dead", s.State)
	}
	if s.PIDAlive {
		t.Fatalf("PIDAlive = true for pid 999999999")
	}
}

func TestLoadSnapshotEmptyDir(t *testing.T) {
	s, err := LoadSnapshot(t.TempDir())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateUnknown {
		t.Fatalf("State = %v, want unknown", s.State)
	}
}

func TestLoadSnapshotRejectsEmptyRoot(t *testing.T) {
	if _, err := LoadSnapshot("  "); err == nil {
		t.Fatalf("LoadSnapshot accepted blank logs root")
	}
}

func TestLoadSnapshotBadPIDFileMidRun(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "live.json", `{"last_event": "node_started"}`)
	writeArtifact(t, root, "run.pid", "not-a-pid\n")

	if _, err := LoadSnapshot(root); err == nil {
		t.Fatalf("LoadSnapshot accepted corrupt pid file for a non-terminal run")
	}
}

func TestRunningPID(t *testing.T) {
	if !runningPID(os.Getpid()) {
		t.Fatalf("runningPID(self) = false")
	}
	for _, pid := range []int{0, -1, 999999999} {
		if runningPID(pid) {
			t.Fatalf("runningPID(%d) = true", pid)
		}
	}
}

func TestLoadSnapshotBadPIDFileIgnoredWhenTerminal(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "final.json", `{"status": "success", "run_id": "r1", "attempts": 1}`)
	writeArtifact(t, root, "run.pid", "not-a-pid\n")

	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateSuccess {
		t.Fatalf("State = %v, want success", s.State)
	}
}

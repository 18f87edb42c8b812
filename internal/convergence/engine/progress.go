package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a globally unique, filesystem-safe, lexically sortable
// run identifier.
func NewRunID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), ulid.DefaultEntropy())
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

func defaultLogsRoot(runID string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "converge", "runs", runID)
}

// appendProgress records one structured event: a line appended to
// progress.ndjson plus a refreshed live.json snapshot. Both writes are
// best-effort; observability must never fail a run.
func (e *Engine) appendProgress(event map[string]any) {
	if e == nil || event == nil {
		return
	}
	e.progressMu.Lock()
	defer e.progressMu.Unlock()

	event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	event["run_id"] = e.Options.RunID

	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	if f, err := os.OpenFile(filepath.Join(e.LogsRoot, "progress.ndjson"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		_, _ = f.Write(append(line, '\n'))
		_ = f.Close()
	}

	live := map[string]any{
		"run_id":     e.Options.RunID,
		"updated_at": event["ts"],
		"last_event": event["event"],
	}
	if s := e.State; s != nil {
		live["attempt"] = s.Attempt
		live["max_attempts"] = s.MaxAttempts
		live["success"] = s.Success
		live["failed_validators"] = s.FailedValidators
		live["failure_history_depth"] = len(s.FailureHistory)
	}
	_ = writeJSONAtomic(filepath.Join(e.LogsRoot, "live.json"), live)
}

// writeJSONAtomic writes indented JSON via a temp file + rename so readers
// never observe a partial document.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func writePIDFile(logsRoot string) error {
	return os.WriteFile(filepath.Join(logsRoot, "run.pid"),
		[]byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

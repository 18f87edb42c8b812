package validators

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

// CommandValidator runs a shell command and passes iff it exits zero.
type CommandValidator struct {
	ValidatorName string
	Command       string
	Timeout       time.Duration
	CaptureLines  int
	WorkingDir    string
	Env           map[string]string

	// FailingUnitPattern optionally extracts failing sub-units (e.g. package
	// names from test output) into metadata["failing_units"]. The first
	// capture group of each match is collected; with no group, the whole
	// match is.
	FailingUnitPattern *regexp.Regexp
}

func (v *CommandValidator) Name() string { return v.ValidatorName }

func (v *CommandValidator) Execute(ctx context.Context) (runtime.ValidatorResult, error) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	capture := v.CaptureLines
	if capture <= 0 {
		capture = 100
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", v.Command)
	cmd.Dir = v.WorkingDir
	cmd.Env = commandEnviron(v.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := runtime.ValidatorResult{
		Output:   tailLines(stdout.String(), capture),
		Stderr:   tailLines(stderr.String(), capture),
		Metadata: map[string]any{"command": v.Command},
	}
	switch {
	case err == nil:
		res.Success = true
		res.ExitCode = runtime.IntPtr(0)
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		res.Success = false
		// Pre-kill stderr is the evidence for why the command hung; keep it
		// under the timeout note.
		note := "command timed out after " + timeout.String()
		if res.Stderr != "" {
			res.Stderr += "\n" + note
		} else {
			res.Stderr = note
		}
	default:
		res.Success = false
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = runtime.IntPtr(exitErr.ExitCode())
		} else if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}

	if !res.Success && v.FailingUnitPattern != nil {
		combined := stdout.String() + "\n" + stderr.String()
		var units []string
		seen := map[string]bool{}
		for _, m := range v.FailingUnitPattern.FindAllStringSubmatch(combined, -1) {
			unit := m[0]
			if len(m) > 1 && m[1] != "" {
				unit = m[1]
			}
			if !seen[unit] {
				seen[unit] = true
				units = append(units, unit)
			}
		}
		if len(units) > 0 {
			res.Metadata["failing_units"] = units
		}
	}
	return res, nil
}

func commandEnviron(vars map[string]string) []string {
	env := os.Environ()
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

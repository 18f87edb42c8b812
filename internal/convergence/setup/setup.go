// Package setup executes the one-time preparation steps that run before the
// convergence loop begins. Steps are fail-soft: a failing step is recorded
// and later surfaces as a validator failure, where it gets proper
// retry/repair treatment instead of aborting the run up front.
package setup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

const DefaultTimeout = 10 * time.Minute

// Step is one setup command. The command supports ${VAR} placeholder
// substitution against the run's env map; unresolved placeholders are left
// verbatim.
type Step struct {
	Description string
	Command     string
	Timeout     time.Duration
}

var placeholderPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// ExpandPlaceholders replaces ${VAR} with vars["VAR"]. Variables not present
// in the map are left unchanged so the executed command shows exactly what
// was missing.
func ExpandPlaceholders(text string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Run executes the step via "sh -c" in workingDir. Errors of every kind
// (spawn failure, non-zero exit, timeout) are captured into the StepResult;
// nothing propagates.
func (s Step) Run(ctx context.Context, vars map[string]string, workingDir string) runtime.StepResult {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	expanded := ExpandPlaceholders(s.Command, vars)
	desc := s.Description
	if strings.TrimSpace(desc) == "" {
		desc = expanded
	} else {
		desc = ExpandPlaceholders(desc, vars)
	}

	start := time.Now()
	res := runtime.StepResult{
		Description: desc,
		Command:     expanded,
		StartedAt:   start,
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", expanded)
	cmd.Dir = workingDir
	cmd.Env = mergedEnviron(vars)
	// Run in its own process group so the entire tree is killed on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Duration = time.Since(start).Seconds()
	res.Output = tailChars(stdout.String(), 1000)
	res.Stderr = tailChars(stderr.String(), 1000)

	switch {
	case err == nil:
		res.Success = true
		res.ExitCode = runtime.IntPtr(0)
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		res.Success = false
		// Keep whatever the command managed to write; it is the debugging
		// evidence for why the step hung.
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
	return res
}

// RunAll executes every step in declared order. A step's failure does not
// stop later steps.
func RunAll(ctx context.Context, steps []Step, vars map[string]string, workingDir string) []runtime.StepResult {
	results := make([]runtime.StepResult, 0, len(steps))
	for _, s := range steps {
		results = append(results, s.Run(ctx, vars, workingDir))
	}
	return results
}

func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func mergedEnviron(vars map[string]string) []string {
	env := os.Environ()
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

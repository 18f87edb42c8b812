package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/strongdm/converge/internal/convergence/config"
	"github.com/strongdm/converge/internal/convergence/engine"
	"github.com/strongdm/converge/internal/convergence/runstate"
	"github.com/strongdm/converge/internal/convergence/runtime"
	"github.com/strongdm/converge/internal/convergence/validate"
)

// Exit codes: 0 converged, 1 retries exhausted, 2 config/structural error,
// 3 cancelled.
const (
	exitSuccess   = 0
	exitExhausted = 1
	exitConfig    = 2
	exitCancelled = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  converge run --config <run.yaml> [--run-id <id>] [--logs-root <dir>] [--max-attempts <n>]")
	fmt.Fprintln(os.Stderr, "  converge validate --config <run.yaml>")
	fmt.Fprintln(os.Stderr, "  converge status --logs-root <dir>")
}

func runCmd(args []string) {
	var configPath string
	var runID string
	var logsRoot string
	var maxAttempts int

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(exitConfig)
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(exitConfig)
			}
			runID = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(exitConfig)
			}
			logsRoot = args[i]
		case "--max-attempts":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--max-attempts requires a value")
				os.Exit(exitConfig)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "invalid --max-attempts: %s\n", args[i])
				os.Exit(exitConfig)
			}
			maxAttempts = n
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := engine.RunFile(ctx, configPath, engine.Options{
		RunID:       runID,
		LogsRoot:    logsRoot,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	fmt.Printf("run_id:    %s\n", res.RunID)
	fmt.Printf("logs_root: %s\n", res.LogsRoot)
	fmt.Printf("status:    %s\n", res.FinalStatus)
	fmt.Printf("attempts:  %d\n", res.Attempts)
	if len(res.FailedValidators) > 0 {
		fmt.Printf("failing:   %s\n", strings.Join(res.FailedValidators, ", "))
	}
	if res.FailureReason != "" {
		fmt.Printf("reason:    %s\n", res.FailureReason)
	}

	switch res.FinalStatus {
	case runtime.FinalSuccess:
		os.Exit(exitSuccess)
	case runtime.FinalCancelled:
		os.Exit(exitCancelled)
	default:
		os.Exit(exitExhausted)
	}
}

func validateCmd(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(exitConfig)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(exitConfig)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	g, diags, err := engine.Prepare(cfg, nil)
	for _, d := range diags {
		fmt.Printf("%s %s: %s\n", d.Severity, d.Rule, d.Message)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	warnings := 0
	for _, d := range diags {
		if d.Severity == validate.SeverityWarning {
			warnings++
		}
	}
	fmt.Printf("OK: %d nodes, %d edges, %d warnings\n", len(g.Nodes), len(g.Edges), warnings)
	os.Exit(exitSuccess)
}

func statusCmd(args []string) {
	var logsRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(exitConfig)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if logsRoot == "" {
		usage()
		os.Exit(exitConfig)
	}

	snap, err := runstate.LoadSnapshot(logsRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	fmt.Printf("run_id:  %s\n", snap.RunID)
	fmt.Printf("state:   %s\n", snap.State)
	if snap.MaxAttempts > 0 {
		fmt.Printf("attempt: %d/%d\n", snap.Attempt, snap.MaxAttempts)
	} else if snap.Attempt > 0 {
		fmt.Printf("attempt: %d\n", snap.Attempt)
	}
	if len(snap.FailedValidators) > 0 {
		fmt.Printf("failing: %s\n", strings.Join(snap.FailedValidators, ", "))
	}
	if snap.FailureReason != "" {
		fmt.Printf("reason:  %s\n", snap.FailureReason)
	}
	if snap.LastEvent != "" {
		fmt.Printf("last:    %s", snap.LastEvent)
		if !snap.LastEventAt.IsZero() {
			fmt.Printf(" (%s)", snap.LastEventAt.Format("2006-01-02 15:04:05 MST"))
		}
		fmt.Println()
	}
	if snap.PID > 0 {
		alive := "dead"
		if snap.PIDAlive {
			alive = "alive"
		}
		fmt.Printf("pid:     %d (%s)\n", snap.PID, alive)
	}
	os.Exit(exitSuccess)
}

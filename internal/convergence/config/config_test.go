package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
version: 1
name: demo
working_directory: /srv/app
max_attempts: 5
env:
  APP_ENV: test
setup:
  - description: install deps
    command: npm install
validators:
  - kind: command
    name: tests
    command: npm test
    capture_lines: 50
  - kind: conflict
    name: merge-markers
repair:
  kind: command
  command: ./scripts/fix.sh
`

func TestLoadValidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "run.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "demo" || cfg.WorkingDirectory != "/srv/app" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if len(cfg.Validators) != 2 || cfg.Validators[0].Name != "tests" {
		t.Fatalf("Validators = %+v", cfg.Validators)
	}
	// Defaults fill in where the file is silent.
	if cfg.Setup[0].TimeoutMS != DefaultTimeoutMS {
		t.Fatalf("Setup[0].TimeoutMS = %d, want default %d", cfg.Setup[0].TimeoutMS, DefaultTimeoutMS)
	}
	if cfg.Repair.TimeoutMS != DefaultTimeoutMS {
		t.Fatalf("Repair.TimeoutMS = %d, want default", cfg.Repair.TimeoutMS)
	}
}

func TestLoadDefaultsMaxAttempts(t *testing.T) {
	cfg, err := Load(writeConfig(t, "run.yaml", `
working_directory: /srv/app
validators:
  - kind: command
    name: tests
    command: make test
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("Version = %d, want defaulted 1", cfg.Version)
	}
	if cfg.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("MaxAttempts = %d, want %d", cfg.MaxAttempts, DefaultMaxAttempts)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, "run.yaml", `
working_directory: /srv/app
validaters:
  - kind: command
    name: tests
    command: make test
`))
	if err == nil {
		t.Fatalf("Load accepted a misspelled field")
	}
}

func TestLoadRejections(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"missing working_directory",
			"validators:\n  - {kind: command, name: t, command: x}\n",
			"working_directory",
		},
		{
			"bad version",
			"version: 2\nworking_directory: /w\nvalidators:\n  - {kind: command, name: t, command: x}\n",
			"version",
		},
		{
			"zero max_attempts",
			"working_directory: /w\nmax_attempts: 0\nvalidators:\n  - {kind: command, name: t, command: x}\n",
			"max_attempts",
		},
		{
			"no validators or main task",
			"working_directory: /w\n",
			"at least one validator",
		},
		{
			"unknown validator kind",
			"working_directory: /w\nvalidators:\n  - {kind: oracle, name: t}\n",
			"schema",
		},
		{
			"duplicate validator names",
			"working_directory: /w\nvalidators:\n  - {kind: command, name: t, command: a}\n  - {kind: command, name: t, command: b}\n",
			"duplicate validator name",
		},
		{
			"bad repair kind",
			"working_directory: /w\nvalidators:\n  - {kind: command, name: t, command: x}\nrepair: {kind: magic}\n",
			"schema",
		},
		{
			"repair command missing",
			"working_directory: /w\nvalidators:\n  - {kind: command, name: t, command: x}\nrepair: {kind: command}\n",
			"repair.command",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "run.yaml", tc.yaml))
			if err == nil {
				t.Fatalf("Load accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %q, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadTopologyShape(t *testing.T) {
	base := `
working_directory: /w
validators:
  - {kind: command, name: t, command: x}
topology:
  nodes:
    - {name: check, type: validate}
    - {name: judge, type: decide}
  edges:
`
	good := base + `
    - {from: start, to: check}
    - {from: check, to: judge}
    - from: judge
      condition: should_continue
      routes:
        end_success: end
        end_failure: end
        retry: check
`
	cfg, err := Load(writeConfig(t, "run.yaml", good))
	if err != nil {
		t.Fatalf("Load(topology): %v", err)
	}
	if len(cfg.Topology.Nodes) != 2 || len(cfg.Topology.Edges) != 3 {
		t.Fatalf("Topology = %+v", cfg.Topology)
	}

	bad := base + `
    - {from: judge, to: check, condition: should_continue}
`
	if _, err := Load(writeConfig(t, "run.yaml", bad)); err == nil {
		t.Fatalf("Load accepted edge with both to and condition")
	}

	condNoRoutes := base + `
    - {from: judge, condition: should_continue}
`
	if _, err := Load(writeConfig(t, "run.yaml", condNoRoutes)); err == nil {
		t.Fatalf("Load accepted condition edge without routes")
	}

	dup := `
working_directory: /w
validators:
  - {kind: command, name: t, command: x}
topology:
  nodes:
    - {name: check, type: validate}
    - {name: check, type: decide}
  edges:
    - {from: start, to: check}
`
	if _, err := Load(writeConfig(t, "run.yaml", dup)); err == nil {
		t.Fatalf("Load accepted duplicate topology node names")
	}
}

func TestLoadStrictJSON(t *testing.T) {
	cfg, err := Load(writeConfig(t, "run.json", `{
  "working_directory": "/w",
  "validators": [{"kind": "command", "name": "tests", "command": "make test"}]
}`))
	if err != nil {
		t.Fatalf("Load(json): %v", err)
	}
	if cfg.Validators[0].Command != "make test" {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := Load(writeConfig(t, "run.json", `{"working_directory": "/w", "bogus": 1,
  "validators": [{"kind": "command", "name": "t", "command": "x"}]}`)); err == nil {
		t.Fatalf("Load(json) accepted unknown field")
	}
}

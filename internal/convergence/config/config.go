// Package config loads and validates converge run configuration files.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type StepConfig struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string `json:"command" yaml:"command"`
	TimeoutMS   int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type ValidatorConfig struct {
	Kind               string   `json:"kind" yaml:"kind"`
	Name               string   `json:"name" yaml:"name"`
	Command            string   `json:"command,omitempty" yaml:"command,omitempty"`
	TimeoutMS          int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	CaptureLines       int      `json:"capture_lines,omitempty" yaml:"capture_lines,omitempty"`
	Include            []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude            []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	FailingUnitPattern string   `json:"failing_unit_pattern,omitempty" yaml:"failing_unit_pattern,omitempty"`
}

type RepairConfig struct {
	Kind      string `json:"kind" yaml:"kind"`
	Command   string `json:"command,omitempty" yaml:"command,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type TopologyNode struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

type TopologyEdge struct {
	From      string            `json:"from" yaml:"from"`
	To        string            `json:"to,omitempty" yaml:"to,omitempty"`
	Condition string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Routes    map[string]string `json:"routes,omitempty" yaml:"routes,omitempty"`
}

type TopologyConfig struct {
	Nodes []TopologyNode `json:"nodes" yaml:"nodes"`
	Edges []TopologyEdge `json:"edges" yaml:"edges"`
}

type File struct {
	Version          int               `json:"version" yaml:"version"`
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	WorkingDirectory string            `json:"working_directory" yaml:"working_directory"`
	MaxAttempts      int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	Setup []StepConfig `json:"setup,omitempty" yaml:"setup,omitempty"`

	// AbortOnSetupFailure routes the run straight to exit when any setup step
	// fails. Default is fail-soft: record failures and keep going.
	AbortOnSetupFailure bool `json:"abort_on_setup_failure,omitempty" yaml:"abort_on_setup_failure,omitempty"`

	MainTask *StepConfig `json:"main_task,omitempty" yaml:"main_task,omitempty"`

	Validators []ValidatorConfig `json:"validators" yaml:"validators"`

	Repair *RepairConfig `json:"repair,omitempty" yaml:"repair,omitempty"`

	Topology *TopologyConfig `json:"topology,omitempty" yaml:"topology,omitempty"`
}

const (
	DefaultMaxAttempts = 3
	DefaultTimeoutMS   = 300000 // 5 minutes
)

// Load reads, decodes, and validates a run config. YAML is the default;
// .json files are decoded as strict JSON. Unknown fields are errors in both.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	var doc any
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := validateAgainstSchema(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *File) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	for i := range cfg.Setup {
		if cfg.Setup[i].TimeoutMS == 0 {
			cfg.Setup[i].TimeoutMS = DefaultTimeoutMS
		}
	}
	if cfg.MainTask != nil && cfg.MainTask.TimeoutMS == 0 {
		cfg.MainTask.TimeoutMS = DefaultTimeoutMS
	}
	for i := range cfg.Validators {
		if cfg.Validators[i].TimeoutMS == 0 {
			cfg.Validators[i].TimeoutMS = DefaultTimeoutMS
		}
	}
	if cfg.Repair != nil {
		if strings.TrimSpace(cfg.Repair.Kind) == "" {
			cfg.Repair.Kind = "command"
		}
		if cfg.Repair.TimeoutMS == 0 {
			cfg.Repair.TimeoutMS = DefaultTimeoutMS
		}
	}
}

func validateConfig(cfg *File) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.WorkingDirectory) == "" {
		return fmt.Errorf("working_directory is required")
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", cfg.MaxAttempts)
	}
	if len(cfg.Validators) == 0 && cfg.MainTask == nil {
		return fmt.Errorf("at least one validator or a main_task is required")
	}
	for i, s := range cfg.Setup {
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("setup[%d].command is required", i)
		}
		if s.TimeoutMS < 0 {
			return fmt.Errorf("setup[%d].timeout_ms must be >= 0", i)
		}
	}
	if cfg.MainTask != nil && strings.TrimSpace(cfg.MainTask.Command) == "" {
		return fmt.Errorf("main_task.command is required")
	}
	seen := map[string]bool{}
	for i, v := range cfg.Validators {
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("validators[%d].name is required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate validator name: %q", v.Name)
		}
		seen[v.Name] = true
		if v.TimeoutMS < 0 {
			return fmt.Errorf("validators[%d].timeout_ms must be >= 0", i)
		}
		if v.CaptureLines < 0 {
			return fmt.Errorf("validators[%d].capture_lines must be >= 0", i)
		}
	}
	if cfg.Repair != nil {
		switch cfg.Repair.Kind {
		case "command":
			if strings.TrimSpace(cfg.Repair.Command) == "" {
				return fmt.Errorf("repair.command is required when repair.kind=command")
			}
		case "simulated":
			// ok
		default:
			return fmt.Errorf("invalid repair.kind: %q (want command|simulated)", cfg.Repair.Kind)
		}
	}
	if cfg.Topology != nil {
		if err := validateTopologyConfig(cfg.Topology); err != nil {
			return err
		}
	}
	return nil
}

// validateTopologyConfig checks the declaration shape only; structural
// checks (known kinds, reachability, condition wiring) happen when the
// graph is built.
func validateTopologyConfig(t *TopologyConfig) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("topology.nodes must not be empty")
	}
	names := map[string]bool{}
	for i, n := range t.Nodes {
		if strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("topology.nodes[%d].name is required", i)
		}
		if strings.TrimSpace(n.Type) == "" {
			return fmt.Errorf("topology.nodes[%d].type is required", i)
		}
		if names[n.Name] {
			return fmt.Errorf("duplicate topology node name: %q", n.Name)
		}
		names[n.Name] = true
	}
	for i, e := range t.Edges {
		if strings.TrimSpace(e.From) == "" {
			return fmt.Errorf("topology.edges[%d].from is required", i)
		}
		hasTo := strings.TrimSpace(e.To) != ""
		hasCond := strings.TrimSpace(e.Condition) != ""
		switch {
		case hasTo && hasCond:
			return fmt.Errorf("topology.edges[%d]: to and condition are mutually exclusive", i)
		case hasCond && len(e.Routes) == 0:
			return fmt.Errorf("topology.edges[%d]: condition requires routes", i)
		case !hasTo && !hasCond:
			return fmt.Errorf("topology.edges[%d]: either to or condition is required", i)
		}
	}
	return nil
}

// Timeout converts a *_ms config value to a duration.
func Timeout(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

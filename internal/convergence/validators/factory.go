package validators

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

// Spec declares a validator in configuration terms. Kind selection is a
// closed set: unknown kinds are rejected here, at construction time, never
// at execution time.
type Spec struct {
	Kind               string
	Name               string
	Command            string
	Timeout            time.Duration
	CaptureLines       int
	Include            []string
	Exclude            []string
	FailingUnitPattern string
}

const (
	KindCommand  = "command"
	KindConflict = "conflict"
)

type builder func(spec Spec, workingDir string, env map[string]string) (Validator, error)

var kindBuilders = map[string]builder{
	KindCommand:  newCommandValidator,
	KindConflict: newConflictValidator,
}

// SupportedKinds returns the closed set of configurable validator kinds.
func SupportedKinds() []string {
	return []string{KindCommand, KindConflict}
}

// New constructs a validator from a spec. The working directory and env map
// come from the run and are read-only to the validator.
func New(spec Spec, workingDir string, env map[string]string) (Validator, error) {
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	b, ok := kindBuilders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown validator kind: %q (supported: %s)",
			spec.Kind, strings.Join(SupportedKinds(), ", "))
	}
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("validator of kind %q is missing a name", kind)
	}
	return b(spec, workingDir, env)
}

// NewAll constructs every validator in declared order, failing on the first
// invalid spec.
func NewAll(specs []Spec, workingDir string, env map[string]string) ([]Validator, error) {
	vs := make([]Validator, 0, len(specs))
	for i, spec := range specs {
		v, err := New(spec, workingDir, env)
		if err != nil {
			return nil, fmt.Errorf("validator [%d]: %w", i, err)
		}
		vs = append(vs, v)
	}
	return vs, nil
}

func newCommandValidator(spec Spec, workingDir string, env map[string]string) (Validator, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("command validator %q is missing a command", spec.Name)
	}
	var pattern *regexp.Regexp
	if strings.TrimSpace(spec.FailingUnitPattern) != "" {
		p, err := regexp.Compile(spec.FailingUnitPattern)
		if err != nil {
			return nil, fmt.Errorf("command validator %q: invalid failing_unit_pattern: %w", spec.Name, err)
		}
		pattern = p
	}
	return &CommandValidator{
		ValidatorName:      spec.Name,
		Command:            spec.Command,
		Timeout:            spec.Timeout,
		CaptureLines:       spec.CaptureLines,
		WorkingDir:         workingDir,
		Env:                env,
		FailingUnitPattern: pattern,
	}, nil
}

func newConflictValidator(spec Spec, workingDir string, env map[string]string) (Validator, error) {
	_ = env
	for _, g := range append(append([]string{}, spec.Include...), spec.Exclude...) {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("conflict validator %q: invalid glob %q", spec.Name, g)
		}
	}
	return &ConflictValidator{
		ValidatorName: spec.Name,
		Root:          workingDir,
		Include:       spec.Include,
		Exclude:       spec.Exclude,
	}, nil
}

// AggregateFailedNames lists the names of failing validators, preserving
// execution order.
func AggregateFailedNames(results []runtime.ValidatorResult) []string {
	var failed []string
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r.Name)
		}
	}
	return failed
}

package validators

import (
	"strings"
	"testing"
)

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Spec{Kind: "oracle", Name: "x"}, "/tmp", nil)
	if err == nil {
		t.Fatalf("New(kind=oracle) = nil error")
	}
	if !strings.Contains(err.Error(), "unknown validator kind") {
		t.Fatalf("error = %q", err)
	}
	// The error names the supported kinds so the config author can fix it.
	for _, kind := range SupportedKinds() {
		if !strings.Contains(err.Error(), kind) {
			t.Fatalf("error %q does not mention supported kind %q", err, kind)
		}
	}
}

func TestNewRequiresName(t *testing.T) {
	if _, err := New(Spec{Kind: "command", Command: "true"}, "/tmp", nil); err == nil {
		t.Fatalf("New(no name) = nil error")
	}
}

func TestNewCommandRequiresCommand(t *testing.T) {
	if _, err := New(Spec{Kind: "command", Name: "tests"}, "/tmp", nil); err == nil {
		t.Fatalf("New(command without command) = nil error")
	}
}

func TestNewCommandRejectsBadPattern(t *testing.T) {
	_, err := New(Spec{Kind: "command", Name: "t", Command: "true", FailingUnitPattern: "(unclosed"}, "/tmp", nil)
	if err == nil {
		t.Fatalf("New(bad failing_unit_pattern) = nil error")
	}
}

func TestNewConflictRejectsBadGlob(t *testing.T) {
	_, err := New(Spec{Kind: "conflict", Name: "c", Include: []string{"[unterminated"}}, "/tmp", nil)
	if err == nil {
		t.Fatalf("New(bad glob) = nil error")
	}
}

func TestNewAllReportsIndex(t *testing.T) {
	specs := []Spec{
		{Kind: "command", Name: "ok", Command: "true"},
		{Kind: "bogus", Name: "bad"},
	}
	_, err := NewAll(specs, "/tmp", nil)
	if err == nil {
		t.Fatalf("NewAll = nil error")
	}
	if !strings.Contains(err.Error(), "[1]") {
		t.Fatalf("error %q does not name the failing index", err)
	}
}

func TestNewBuildsRightTypes(t *testing.T) {
	v, err := New(Spec{Kind: "command", Name: "tests", Command: "go test ./..."}, "/srv", map[string]string{"A": "1"})
	if err != nil {
		t.Fatalf("New(command): %v", err)
	}
	cv, ok := v.(*CommandValidator)
	if !ok {
		t.Fatalf("New(command) built %T", v)
	}
	if cv.WorkingDir != "/srv" || cv.Env["A"] != "1" {
		t.Fatalf("command validator did not receive run working dir/env")
	}

	v, err = New(Spec{Kind: "conflict", Name: "merge"}, "/srv", nil)
	if err != nil {
		t.Fatalf("New(conflict): %v", err)
	}
	if cf, ok := v.(*ConflictValidator); !ok || cf.Root != "/srv" {
		t.Fatalf("New(conflict) built %T rooted at %v", v, v)
	}
}

package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "located type mismatch",
			err: &Error{
				Phase:    PhaseTranslate,
				Kind:     KindTypeMismatch,
				Loc:      &Location{Func: 3, Offset: 0x1a, Depth: 2},
				Expected: "i32",
				Got:      "i64",
				Detail:   "operand of i32.add",
			},
			contains: []string{"[translate]", "type_mismatch", "func 3", "0x1a", "depth 2", "i32", "i64", "i32.add"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseDecode,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[decode]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseRuntime,
				Kind:   KindInstantiation,
				Detail: "memory limit",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[runtime]", "instantiation", "memory limit", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseLoad,
		Kind:  KindInvalidData,
		Cause: cause,
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseTranslate,
		Kind:  KindElseWithoutIf,
		Loc:   &Location{Offset: 4},
	}

	if !errors.Is(err, &Error{Phase: PhaseTranslate, Kind: KindElseWithoutIf}) {
		t.Error("errors.Is should match same phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseValidate, Kind: KindElseWithoutIf}) {
		t.Error("Is should not match different phase")
	}
	if errors.Is(err, &Error{Phase: PhaseTranslate, Kind: KindUnbalancedEnd}) {
		t.Error("Is should not match different kind")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseTranslate, KindInvalidBranchDepth).
		Path("func", "br").
		At(7, 12, 3).
		Value(9).
		Cause(cause).
		Detail("depth %d exceeds %d frames", 9, 3).
		Build()

	if err.Phase != PhaseTranslate {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseTranslate)
	}
	if err.Kind != KindInvalidBranchDepth {
		t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidBranchDepth)
	}
	if err.Loc == nil || err.Loc.Func != 7 || err.Loc.Offset != 12 || err.Loc.Depth != 3 {
		t.Errorf("Loc = %+v, want {7 12 3}", err.Loc)
	}
	if len(err.Path) != 2 || err.Path[1] != "br" {
		t.Errorf("Path = %v", err.Path)
	}
	if err.Value != 9 {
		t.Errorf("Value = %v, want 9", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "depth 9 exceeds 3 frames" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

func TestMissingImportsError(t *testing.T) {
	err := NewMissingImportsError([]string{"env#log", "env#now", "wasi#fd_write"})

	if len(err.Imports) != 3 {
		t.Fatalf("got %d imports, want 3", len(err.Imports))
	}
	if err.Imports[0].Module != "env" || err.Imports[0].Name != "log" {
		t.Errorf("first import = %+v", err.Imports[0])
	}

	msg := err.Error()
	for _, s := range []string{"missing 3 import(s)", "env:", "- now", "wasi:"} {
		if !strings.Contains(msg, s) {
			t.Errorf("message %q does not contain %q", msg, s)
		}
	}
	if !errors.Is(err, &MissingImportsError{}) {
		t.Error("errors.Is should match MissingImportsError")
	}
}

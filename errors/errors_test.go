package errors

import (
	"errors"
	"fmt"
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
			name: "full error",
			err: &Error{
				Phase:     PhaseCompose,
				Kind:      KindComposition,
				Subsystem: "env",
				Interface: "wasi:cli/environment@0.2.3",
				Detail:    "version mismatch",
			},
			contains: []string{"[compose]", "composition", "in env", "wasi:cli/environment@0.2.3", "version mismatch"},
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
				Phase:  PhaseResolve,
				Kind:   KindFilesystemResolution,
				Path:   []string{"/data", "./local"},
				Detail: "missing",
				Cause:  errors.New("no such file"),
			},
			contains: []string{"[resolve]", "/data -> ./local", "missing", "caused by", "no such file"},
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
		Phase: PhaseEncode,
		Kind:  KindInvalidData,
		Cause: cause,
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := Config("bad mode %q", "sometimes")

	if !errors.Is(err, ErrConfig) {
		t.Error("errors.Is should match config sentinel")
	}
	if errors.Is(err, ErrComposition) {
		t.Error("errors.Is should not match composition sentinel")
	}

	wrapped := fmt.Errorf("run: %w", FilesystemResolution("/data", "./missing", errors.New("enoent")))
	if !errors.Is(wrapped, ErrFilesystemResolution) {
		t.Error("wrapped resolution error should match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseConfig, KindConfig).
		Subsystem("fs").
		Path("/data", "file.txt").
		Interface("wasi:filesystem/types@0.2.3").
		Cause(cause).
		Detail("expected %s, got %s", "dir", "file").
		Build()

	if err.Phase != PhaseConfig {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseConfig)
	}
	if err.Subsystem != "fs" {
		t.Errorf("Subsystem = %v, want fs", err.Subsystem)
	}
	if len(err.Path) != 2 || err.Path[1] != "file.txt" {
		t.Errorf("Path = %v", err.Path)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected dir, got file" {
		t.Errorf("Detail = %v", err.Detail)
	}
}

func TestInterfaceMismatch(t *testing.T) {
	err := InterfaceMismatch("wasi:cli/environment", "0.3.0", "0.2.3")
	msg := err.Error()
	for _, s := range []string{"wasi:cli/environment", "0.3.0", "0.2.3"} {
		if !strings.Contains(msg, s) {
			t.Errorf("message %q missing %q", msg, s)
		}
	}
	if !errors.Is(err, ErrComposition) {
		t.Error("mismatch should be a composition error")
	}
}

func TestReductionConflictError(t *testing.T) {
	err := NewReductionConflict([]Coupling{
		{Required: "stdio", Excluded: "sockets", Shared: []string{"wasi:io/streams"}},
		{Required: "clocks", Excluded: "fs", Shared: []string{"wasi:io/poll"}},
	})

	if err.Conflicts[0].Required != "clocks" {
		t.Errorf("conflicts not sorted: %+v", err.Conflicts)
	}

	got := err.Subsystems()
	want := []string{"clocks", "fs", "sockets", "stdio"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Subsystems() = %v, want %v", got, want)
	}

	msg := err.Error()
	if !strings.Contains(msg, "stdio") || !strings.Contains(msg, "sockets") {
		t.Errorf("message %q should name both subsystems", msg)
	}

	var target *ReductionConflictError
	if !errors.As(fmt.Errorf("wrap: %w", err), &target) {
		t.Error("errors.As should find the conflict")
	}
	if !errors.Is(err, &Error{Phase: PhaseReduce, Kind: KindReductionConflict}) {
		t.Error("conflict should match reduce/reduction_conflict")
	}
}

func TestTrap(t *testing.T) {
	trap := Denied("stdio", "write")
	if !IsTrap(fmt.Errorf("call: %w", trap)) {
		t.Error("IsTrap should see through wrapping")
	}
	if IsTrap(errors.New("plain")) {
		t.Error("plain error is not a trap")
	}
	if !strings.Contains(NotAvailable("clocks", "now").Error(), "not available") {
		t.Error("NotAvailable message")
	}
}

func TestRaise(t *testing.T) {
	Raise(errors.New("plain")) // no panic

	defer func() {
		r := recover()
		trap, ok := r.(*Trap)
		if !ok || trap.Subsystem != "exit" {
			t.Errorf("expected exit trap, got %v", r)
		}
	}()
	Raise(fmt.Errorf("wrapped: %w", Denied("exit", "exit")))
	t.Error("Raise should panic on a trap")
}

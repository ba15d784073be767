package exit

import (
	"context"
	"testing"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

func TestForward(t *testing.T) {
	var codes []int
	e := New(policy.StrategyForward, func(code int) { codes = append(codes, code) })
	_ = e.Exit(true)
	_ = e.Exit(false)
	if len(codes) != 2 || codes[0] != 0 || codes[1] != 1 {
		t.Fatalf("codes = %v", codes)
	}
}

func TestDenyTraps(t *testing.T) {
	called := false
	e := New(policy.StrategyDeny, func(int) { called = true })
	if err := e.Exit(true); !errors.IsTrap(err) {
		t.Fatalf("expected trap, got %v", err)
	}
	if called {
		t.Fatal("host must not be called")
	}

	h := NewExitHost(e)
	defer func() {
		if recover() == nil {
			t.Fatal("host call must trap")
		}
	}()
	h.Exit(context.Background(), false)
}

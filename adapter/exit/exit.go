// Package exit implements wasi:cli/exit for the adapter.
package exit

import (
	"context"
	"os"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

// Host terminates the program with a status code.
type Host func(code int)

// OS exits the process.
func OS() Host { return os.Exit }

// Exit is the adapter's exit subsystem.
type Exit interface {
	Exit(ok bool) error
}

// New forwards to host for StrategyForward and traps otherwise.
func New(strategy policy.Strategy, host Host) Exit {
	if strategy == policy.StrategyForward && host != nil {
		return forward{host: host}
	}
	return deny{}
}

type forward struct{ host Host }

func (f forward) Exit(ok bool) error {
	if ok {
		f.host(0)
	} else {
		f.host(1)
	}
	return nil
}

type deny struct{}

func (deny) Exit(bool) error { return errors.Denied("exit", "exit") }

// ExitHost exposes Exit to the guest. The status is the WASI result
// variant: ok or err.
type ExitHost struct {
	exit Exit
}

func NewExitHost(e Exit) *ExitHost { return &ExitHost{exit: e} }

func (h *ExitHost) Exit(_ context.Context, isErr bool) {
	errors.Raise(h.exit.Exit(!isErr))
}

func (h *ExitHost) Register() map[string]any {
	return map[string]any{"exit": h.Exit}
}

package errors

import (
	"errors"
	"strings"
)

// Trap is the run-time failure raised by the adapter for denied or
// unavailable capabilities. It aborts the calling operation.
type Trap struct {
	Subsystem string
	Op        string
	Reason    string
}

func (t *Trap) Error() string {
	var b strings.Builder
	b.WriteString("wasi-virt trap: ")
	b.WriteString(t.Subsystem)
	if t.Op != "" {
		b.WriteByte('.')
		b.WriteString(t.Op)
	}
	b.WriteString(": ")
	b.WriteString(t.Reason)
	return b.String()
}

// Is reports whether target is a Trap
func (t *Trap) Is(target error) bool {
	_, ok := target.(*Trap)
	return ok
}

// Denied creates a trap for a capability the policy denies
func Denied(subsystem, op string) *Trap {
	return &Trap{Subsystem: subsystem, Op: op, Reason: "denied by virtualization policy"}
}

// NotAvailable creates a trap for a subsystem that was disabled
func NotAvailable(subsystem, op string) *Trap {
	return &Trap{Subsystem: subsystem, Op: op, Reason: "not available"}
}

// IsTrap reports whether err is or wraps a Trap
func IsTrap(err error) bool {
	var t *Trap
	return errors.As(err, &t)
}

// Raise panics with the trap wrapped by err, if any. Host functions use it
// so a denied call aborts the guest instead of returning a result.
func Raise(err error) {
	var t *Trap
	if errors.As(err, &t) {
		panic(t)
	}
}

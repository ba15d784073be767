package io

import (
	"context"
	goerrors "errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasi-virt/errors"
)

// errWoken ends a poll group as soon as one member is ready.
var errWoken = goerrors.New("pollable ready")

// Pollable is a readiness source.
type Pollable interface {
	// Ready reports readiness without blocking.
	Ready() bool
	// Block waits until ready or ctx is done.
	Block(ctx context.Context) error
}

type always struct{}

func (always) Ready() bool                 { return true }
func (always) Block(context.Context) error { return nil }

// Ready returns a pollable that is always ready. Every virtual resource
// uses it.
func Ready() Pollable { return always{} }

// Timer becomes ready at a deadline.
type Timer struct {
	deadline time.Time
}

// NewTimer returns a pollable that is ready once deadline passes.
func NewTimer(deadline time.Time) *Timer {
	return &Timer{deadline: deadline}
}

func (p *Timer) Ready() bool { return !time.Now().Before(p.deadline) }

func (p *Timer) Block(ctx context.Context) error {
	remaining := time.Until(p.deadline)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Signal is a pollable that becomes ready once Fire is called.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates an unfired signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire marks the signal ready. Later calls are no-ops.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Signal) Ready() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *Signal) Block(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll returns the indexes of ready pollables, blocking until at least one
// is ready. Not-ready pollables are waited on concurrently and the call
// returns as soon as any of them completes. A pollable whose Block fails
// counts as ready so the guest sees the failure on its next operation.
// There is no timeout besides ctx.
func Poll(ctx context.Context, pollables []Pollable) ([]uint32, error) {
	if len(pollables) == 0 {
		return nil, &errors.Trap{Subsystem: "io", Op: "poll", Reason: "empty pollable list"}
	}
	if ready := readyIndexes(pollables); len(ready) > 0 {
		return ready, nil
	}

	g, waitCtx := errgroup.WithContext(ctx)
	woke := make(chan uint32, len(pollables))
	for i, p := range pollables {
		g.Go(func() error {
			if p.Block(waitCtx) != nil && waitCtx.Err() != nil {
				return nil
			}
			woke <- uint32(i)
			return errWoken
		})
	}
	if g.Wait() != errWoken {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &errors.Trap{Subsystem: "io", Op: "poll", Reason: "no pollable became ready"}
	}
	close(woke)

	ready := readyIndexes(pollables)
	for i := range woke {
		if !containsIndex(ready, i) {
			ready = insertIndex(ready, i)
		}
	}
	return ready, nil
}

func readyIndexes(pollables []Pollable) []uint32 {
	var out []uint32
	for i, p := range pollables {
		if p.Ready() {
			out = append(out, uint32(i))
		}
	}
	return out
}

func containsIndex(list []uint32, i uint32) bool {
	for _, v := range list {
		if v == i {
			return true
		}
	}
	return false
}

func insertIndex(list []uint32, i uint32) []uint32 {
	pos := 0
	for pos < len(list) && list[pos] < i {
		pos++
	}
	list = append(list, 0)
	copy(list[pos+1:], list[pos:])
	list[pos] = i
	return list
}

// Package clocks implements wasi:clocks wall-clock and monotonic-clock for
// the adapter. Enabled clocks forward to the host; disabled ones trap.
package clocks

import (
	"context"
	"time"

	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/resource"
)

// Datetime is a wall clock reading.
type Datetime struct {
	Seconds     uint64
	Nanoseconds uint32
}

// Host is the time source clocks forward to.
type Host interface {
	Now() time.Time
}

type systemHost struct{}

func (systemHost) Now() time.Time { return time.Now() }

// System returns the host's real clock.
func System() Host { return systemHost{} }

// Clocks is the adapter's clock subsystem.
type Clocks interface {
	WallNow() (Datetime, error)
	WallResolution() (Datetime, error)
	MonotonicNow() (uint64, error)
	MonotonicResolution() (uint64, error)
	SubscribeInstant(when uint64) (vio.Pollable, error)
	SubscribeDuration(d uint64) (vio.Pollable, error)
}

// New returns forwarding clocks for StrategyForward and trapping clocks
// otherwise.
func New(strategy policy.Strategy, host Host) Clocks {
	if strategy == policy.StrategyForward {
		return &forward{host: host, start: host.Now()}
	}
	return deny{}
}

type forward struct {
	host  Host
	start time.Time
}

func (f *forward) WallNow() (Datetime, error) {
	now := f.host.Now()
	return Datetime{Seconds: uint64(now.Unix()), Nanoseconds: uint32(now.Nanosecond())}, nil
}

func (f *forward) WallResolution() (Datetime, error) {
	return Datetime{Nanoseconds: 1}, nil
}

func (f *forward) MonotonicNow() (uint64, error) {
	return uint64(f.host.Now().Sub(f.start).Nanoseconds()), nil
}

func (f *forward) MonotonicResolution() (uint64, error) { return 1, nil }

func (f *forward) SubscribeInstant(when uint64) (vio.Pollable, error) {
	return vio.NewTimer(f.start.Add(time.Duration(when))), nil
}

func (f *forward) SubscribeDuration(d uint64) (vio.Pollable, error) {
	return vio.NewTimer(f.host.Now().Add(time.Duration(d))), nil
}

type deny struct{}

func (deny) WallNow() (Datetime, error) {
	return Datetime{}, errors.NotAvailable("clocks", "wall-clock.now")
}

func (deny) WallResolution() (Datetime, error) {
	return Datetime{}, errors.NotAvailable("clocks", "wall-clock.resolution")
}

func (deny) MonotonicNow() (uint64, error) {
	return 0, errors.NotAvailable("clocks", "monotonic-clock.now")
}

func (deny) MonotonicResolution() (uint64, error) {
	return 0, errors.NotAvailable("clocks", "monotonic-clock.resolution")
}

func (deny) SubscribeInstant(uint64) (vio.Pollable, error) {
	return nil, errors.NotAvailable("clocks", "monotonic-clock.subscribe-instant")
}

func (deny) SubscribeDuration(uint64) (vio.Pollable, error) {
	return nil, errors.NotAvailable("clocks", "monotonic-clock.subscribe-duration")
}

// ClocksHost exposes Clocks to the guest.
type ClocksHost struct {
	table  *resource.Table
	clocks Clocks
}

func NewClocksHost(table *resource.Table, clocks Clocks) *ClocksHost {
	return &ClocksHost{table: table, clocks: clocks}
}

func (h *ClocksHost) WallNow(_ context.Context) Datetime {
	d, err := h.clocks.WallNow()
	errors.Raise(err)
	return d
}

func (h *ClocksHost) WallResolution(_ context.Context) Datetime {
	d, err := h.clocks.WallResolution()
	errors.Raise(err)
	return d
}

func (h *ClocksHost) MonotonicNow(_ context.Context) uint64 {
	n, err := h.clocks.MonotonicNow()
	errors.Raise(err)
	return n
}

func (h *ClocksHost) MonotonicResolution(_ context.Context) uint64 {
	n, err := h.clocks.MonotonicResolution()
	errors.Raise(err)
	return n
}

func (h *ClocksHost) SubscribeInstant(_ context.Context, when uint64) uint32 {
	p, err := h.clocks.SubscribeInstant(when)
	errors.Raise(err)
	return uint32(h.table.Insert(resource.KindPollable, p))
}

func (h *ClocksHost) SubscribeDuration(_ context.Context, d uint64) uint32 {
	p, err := h.clocks.SubscribeDuration(d)
	errors.Raise(err)
	return uint32(h.table.Insert(resource.KindPollable, p))
}

func (h *ClocksHost) Register() map[string]map[string]any {
	return map[string]map[string]any{
		"wasi:clocks/wall-clock": {
			"now":        h.WallNow,
			"resolution": h.WallResolution,
		},
		"wasi:clocks/monotonic-clock": {
			"now":                h.MonotonicNow,
			"resolution":         h.MonotonicResolution,
			"subscribe-instant":  h.SubscribeInstant,
			"subscribe-duration": h.SubscribeDuration,
		},
	}
}

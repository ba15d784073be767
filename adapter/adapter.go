// Package adapter assembles the run-time side of a virtualization adapter.
//
// New decodes the embedded state and selects one implementation per
// subsystem: forwarding to the host, denying, or virtual. Subsystems absent
// from the state were removed by reduction and are not bound at all. The
// bindings are keyed by versioned interface name and then by function name,
// matching the adapter template's exports.
package adapter

import (
	"fmt"
	goio "io"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/adapter/clocks"
	"github.com/wippyai/wasi-virt/adapter/env"
	"github.com/wippyai/wasi-virt/adapter/exit"
	"github.com/wippyai/wasi-virt/adapter/fs"
	"github.com/wippyai/wasi-virt/adapter/http"
	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/adapter/random"
	"github.com/wippyai/wasi-virt/adapter/sockets"
	"github.com/wippyai/wasi-virt/adapter/stdio"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/reduce"
	"github.com/wippyai/wasi-virt/resource"
	"github.com/wippyai/wasi-virt/state"
)

// Host bundles the host capabilities forwarding implementations use.
// Nil fields fall back to the process defaults.
type Host struct {
	Env     env.Host
	FS      fs.Host
	Stdio   *stdio.Host
	Clocks  clocks.Host
	Random  goio.Reader
	Sockets sockets.Host
	HTTP    http.Host
	Exit    exit.Host
}

func (h Host) withDefaults() Host {
	if h.Env == nil {
		h.Env = env.OS()
	}
	if h.FS == nil {
		h.FS = fs.OS()
	}
	if h.Stdio == nil {
		s := stdio.OS()
		h.Stdio = &s
	}
	if h.Clocks == nil {
		h.Clocks = clocks.System()
	}
	if h.Sockets == nil {
		h.Sockets = sockets.OS()
	}
	if h.HTTP == nil {
		h.HTTP = http.Default()
	}
	if h.Exit == nil {
		h.Exit = exit.OS()
	}
	return h
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used for call tracing.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// Adapter is an instantiated adapter: a resource table plus the entry
// points of every retained subsystem.
type Adapter struct {
	state    *state.State
	table    *resource.Table
	logger   *zap.Logger
	trace    bool
	bindings map[string]map[string]any
}

// New decodes payload and binds every subsystem present in it.
func New(payload []byte, host Host, opts ...Option) (*Adapter, error) {
	st, err := state.Decode(payload)
	if err != nil {
		return nil, err
	}
	return FromState(st, host, opts...), nil
}

// FromModule reads the state spliced into an adapter module and binds it.
func FromModule(module []byte, host Host, opts ...Option) (*Adapter, error) {
	payload, err := state.Extract(module)
	if err != nil {
		return nil, err
	}
	return New(payload, host, opts...)
}

// FromState binds already decoded state.
func FromState(st *state.State, host Host, opts ...Option) *Adapter {
	a := &Adapter{
		state:  st,
		table:  resource.NewTable(),
		logger: zap.NewNop(),
		trace:  st.Debug,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.bind(host.withDefaults())
	return a
}

func (a *Adapter) bind(host Host) {
	st := a.state
	ver := st.WASIVersion
	a.bindings = make(map[string]map[string]any)
	add := func(ifaces map[string]map[string]any) {
		for name, funcs := range ifaces {
			if ver != "" {
				name += "@" + ver
			}
			a.bindings[name] = funcs
		}
	}

	needsIO := false
	for _, sub := range st.Subsystems() {
		strategy, _ := st.Strategy(sub)
		if strategy != policy.StrategyDeny && len(reduce.Primitives(sub)) > 0 {
			needsIO = true
		}
		switch sub {
		case policy.Env:
			add(map[string]map[string]any{
				"wasi:cli/environment": env.NewEnvironmentHost(env.New(strategy, st.Env, host.Env)).Register(),
			})
		case policy.FS:
			add(fs.NewFilesystemHost(a.table, fs.New(strategy, st, host.FS)).Register())
		case policy.Stdio:
			add(stdio.NewStdioHost(a.table, stdio.New(st.Stdio, *host.Stdio)).Register())
		case policy.Clocks:
			add(clocks.NewClocksHost(a.table, clocks.New(strategy, host.Clocks)).Register())
		case policy.Random:
			add(random.NewRandomHost(random.New(strategy, host.Random)).Register())
		case policy.Sockets:
			add(sockets.NewSocketsHost(a.table, sockets.New(strategy, host.Sockets)).Register())
		case policy.HTTP:
			add(http.NewHTTPHost(a.table, http.New(strategy, host.HTTP)).Register())
		case policy.Exit:
			add(map[string]map[string]any{
				"wasi:cli/exit": exit.NewExitHost(exit.New(strategy, host.Exit)).Register(),
			})
		}
	}
	if needsIO {
		add(vio.NewHost(a.table).Register())
	}

	if a.trace {
		for iface, funcs := range a.bindings {
			for name, fn := range funcs {
				funcs[name] = traced(a.logger, iface, name, fn)
			}
		}
	}
}

// traced wraps fn so each call and trap is logged at debug level.
func traced(logger *zap.Logger, iface, name string, fn any) any {
	v := reflect.ValueOf(fn)
	return reflect.MakeFunc(v.Type(), func(args []reflect.Value) (out []reflect.Value) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				logger.Debug("trap",
					zap.String("interface", iface),
					zap.String("func", name),
					zap.String("reason", fmt.Sprint(r)))
				panic(r)
			}
			logger.Debug("call",
				zap.String("interface", iface),
				zap.String("func", name),
				zap.Duration("took", time.Since(start)))
		}()
		return v.Call(args)
	}).Interface()
}

// State returns the decoded adapter state.
func (a *Adapter) State() *state.State { return a.state }

// Table returns the resource table shared by every subsystem.
func (a *Adapter) Table() *resource.Table { return a.table }

// Interfaces lists the bound interfaces, sorted.
func (a *Adapter) Interfaces() []string {
	out := make([]string, 0, len(a.bindings))
	for iface := range a.bindings {
		out = append(out, iface)
	}
	sort.Strings(out)
	return out
}

// Bindings returns the entry points keyed by versioned interface name.
func (a *Adapter) Bindings() map[string]map[string]any {
	out := make(map[string]map[string]any, len(a.bindings))
	for iface, funcs := range a.bindings {
		cp := make(map[string]any, len(funcs))
		for name, fn := range funcs {
			cp[name] = fn
		}
		out[iface] = cp
	}
	return out
}

// Func looks up one entry point.
func (a *Adapter) Func(iface, name string) (any, error) {
	funcs, ok := a.bindings[iface]
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "interface", iface)
	}
	fn, ok := funcs[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", iface+"#"+name)
	}
	return fn, nil
}

// Close drops every live resource.
func (a *Adapter) Close() error { return a.table.Close() }

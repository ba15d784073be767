package runtime

import (
	"context"
	goerrors "errors"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/adapter"
	"github.com/wippyai/wasi-virt/errors"
)

// Option configures Instantiate.
type Option func(*config)

type config struct {
	host   adapter.Host
	logger *zap.Logger
}

// WithHost sets the host capabilities forwarding subsystems use. An unset
// Exit ends the instance with a wazero exit error instead of the process.
func WithHost(h adapter.Host) Option {
	return func(c *config) { c.host = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Instance is an instantiated adapter module.
type Instance struct {
	rt      wazero.Runtime
	mod     api.Module
	adapter *adapter.Adapter
	logger  *zap.Logger

	mu   sync.Mutex
	trap *errors.Trap
}

// Instantiate compiles module, binds the state spliced into it and
// instantiates it with every import served.
func Instantiate(ctx context.Context, module []byte, opts ...Option) (*Instance, error) {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.host.Exit == nil {
		cfg.host.Exit = func(code int) { panic(sys.NewExitError(uint32(code))) }
	}

	a, err := adapter.FromModule(module, cfg.host, adapter.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	inst := &Instance{rt: rt, adapter: a, logger: cfg.logger}
	fail := func(err error) (*Instance, error) {
		_ = inst.Close(ctx)
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		return fail(errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "compile adapter"))
	}
	if err := inst.serveImports(ctx, compiled); err != nil {
		return fail(err)
	}
	inst.mod, err = rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("adapter"))
	if err != nil {
		return fail(errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "instantiate adapter"))
	}
	return inst, nil
}

// serveImports registers one host module per imported namespace.
func (in *Instance) serveImports(ctx context.Context, compiled wazero.CompiledModule) error {
	byNS := map[string][]api.FunctionDefinition{}
	for _, def := range compiled.ImportedFunctions() {
		ns, _, _ := def.Import()
		byNS[ns] = append(byNS[ns], def)
	}
	namespaces := make([]string, 0, len(byNS))
	for ns := range byNS {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	bindings := in.adapter.Bindings()
	for _, ns := range namespaces {
		b := in.rt.NewHostModuleBuilder(ns)
		for _, def := range byNS[ns] {
			_, name, _ := def.Import()
			fn := in.hostFunc(ns, name, bindings[ns][name], def)
			b.NewFunctionBuilder().
				WithGoModuleFunction(in.guard(fn), def.ParamTypes(), def.ResultTypes()).
				Export(name)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return errors.New(errors.PhaseRuntime, errors.KindInvalidData).
				Interface(ns).Detail("register host module").Cause(err).Build()
		}
	}
	return nil
}

func (in *Instance) hostFunc(ns, name string, binding any, def api.FunctionDefinition) api.GoModuleFunc {
	if binding == nil {
		return in.stub(ns, name, "no binding for import")
	}
	l, err := lower(binding)
	if err != nil {
		return in.stub(ns, name, err.Error())
	}
	if !l.matches(def.ParamTypes(), def.ResultTypes()) {
		return in.stub(ns, name, "binding does not match the imported signature")
	}
	in.logger.Debug("bound import", zap.String("interface", ns), zap.String("func", name))
	return l.call
}

func (in *Instance) stub(ns, name, reason string) api.GoModuleFunc {
	in.logger.Debug("stubbed import",
		zap.String("interface", ns),
		zap.String("func", name),
		zap.String("reason", reason))
	trap := &errors.Trap{Subsystem: ns, Op: name, Reason: reason}
	return func(context.Context, api.Module, []uint64) { panic(trap) }
}

// guard records the trap a host function raises before wazero unwinds it.
func (in *Instance) guard(fn api.GoModuleFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		defer func() {
			if r := recover(); r != nil {
				if t, ok := r.(*errors.Trap); ok {
					in.mu.Lock()
					in.trap = t
					in.mu.Unlock()
				}
				panic(r)
			}
		}()
		fn(ctx, mod, stack)
	}
}

// Call invokes an export. A host trap is returned as the *errors.Trap it
// raised; an exit is returned as *sys.ExitError.
func (in *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := in.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	in.mu.Lock()
	in.trap = nil
	in.mu.Unlock()

	out, err := fn.Call(ctx, params...)
	if err == nil {
		return out, nil
	}
	var exit *sys.ExitError
	if goerrors.As(err, &exit) {
		return nil, exit
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.trap != nil {
		return nil, in.trap
	}
	return nil, err
}

// Memory returns the module's exported memory.
func (in *Instance) Memory() api.Memory { return in.mod.Memory() }

// Adapter returns the bound adapter.
func (in *Instance) Adapter() *adapter.Adapter { return in.adapter }

// Close releases the wazero runtime and every adapter resource.
func (in *Instance) Close(ctx context.Context) error {
	err := in.rt.Close(ctx)
	return multierr.Append(err, in.adapter.Close())
}

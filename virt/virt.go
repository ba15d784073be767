// Package virt is the library entry point of the generator.
//
// Run is the single pipeline both the command line and the Builder use:
// validate the policy, materialize the virtual filesystem, encode and
// splice the adapter state, reduce the adapter against the target's
// imports and optionally compose it with the target.
package virt

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/compose"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/reduce"
	"github.com/wippyai/wasi-virt/runtime"
	"github.com/wippyai/wasi-virt/state"
	"github.com/wippyai/wasi-virt/vfs"
)

// Options control everything but the policy itself.
type Options struct {
	// Target is the component to compose with. Without it only the
	// adapter is produced.
	Target []byte
	// Imports overrides the import set used for reduction. When nil the
	// target's imports are used, if there is a target.
	Imports *component.ImportSet
	// NoReduce keeps every subsystem regardless of the target's imports.
	// Excluded subsystems are still removed.
	NoReduce bool
	// Validate instantiates the emitted adapter module under wazero.
	Validate bool
	// Composer links the adapter into Target. Defaults to wasm-tools.
	Composer *compose.Composer
	// WasmTools is the wasm-tools binary used by the default composer.
	WasmTools string
	Logger    *zap.Logger
}

// Result is the output of a run.
type Result struct {
	// Adapter is the spliced and reduced adapter core module.
	Adapter []byte
	// Component is the composed target, nil without a target.
	Component []byte
	// Files reports the local source of every captured virtual file.
	Files    vfs.Report
	Retained []string
	Omitted  []string
}

// Run generates an adapter from template under cfg. cfg is copied and
// never modified.
func Run(ctx context.Context, cfg policy.Config, template []byte, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(template) == 0 {
		return nil, errors.Config("no adapter template")
	}

	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res := &Result{Files: vfs.Report{}}
	var tree *policy.FSConfig
	if cfg.FS != nil {
		var err error
		tree, res.Files, err = vfs.Materialize(cfg.FS, logger)
		if err != nil {
			return nil, err
		}
	}

	st, err := state.FromPolicy(&cfg, tree)
	if err != nil {
		return nil, err
	}
	payload, err := st.Encode()
	if err != nil {
		return nil, err
	}
	module, err := state.Splice(template, payload)
	if err != nil {
		return nil, err
	}
	module, err = reduce.WriteSurface(module, reduce.Derive(st))
	if err != nil {
		return nil, err
	}
	logger.Debug("state spliced",
		zap.Int("payload_bytes", len(payload)),
		zap.Int("files", len(res.Files)))

	imports := opts.Imports
	if imports == nil && opts.Target != nil && !opts.NoReduce {
		imports, err = component.Imports(opts.Target)
		if err != nil {
			return nil, err
		}
	}
	if opts.NoReduce {
		imports = nil
	}
	module, plan, err := reduce.Reduce(module, imports, allowed(&cfg), logger)
	if err != nil {
		return nil, err
	}
	res.Adapter = module
	res.Retained = plan.Retained
	res.Omitted = plan.Omitted

	if opts.Validate {
		if err := validate(ctx, module, logger); err != nil {
			return nil, err
		}
	}

	if opts.Target != nil {
		c := opts.Composer
		if c == nil {
			c = compose.New(&compose.Tool{Path: opts.WasmTools}, logger)
		}
		res.Component, err = c.Compose(ctx, module, opts.Target)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// allowed is the complement of the exclusion list, nil when nothing is
// excluded.
func allowed(cfg *policy.Config) []policy.Subsystem {
	if len(cfg.Exclude) == 0 {
		return nil
	}
	out := []policy.Subsystem{}
	for _, sub := range policy.Subsystems() {
		if !cfg.Excluded(sub) {
			out = append(out, sub)
		}
	}
	return out
}

// validate instantiates the adapter with every import served.
func validate(ctx context.Context, module []byte, logger *zap.Logger) error {
	inst, err := runtime.Instantiate(ctx, module, runtime.WithLogger(logger))
	if err != nil {
		return errors.Wrap(errors.PhaseValidate, errors.KindInvalidData, err, "instantiate adapter")
	}
	return inst.Close(ctx)
}

package virt

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/compose"
	"github.com/wippyai/wasi-virt/policy"
)

// Builder assembles a policy and run options. Sub-builders returned by
// Env, FS and Stdio mutate the builder's policy in place; their Done
// method is only needed for chaining.
//
//	b := virt.New(template)
//	b.Env().Override("HOME", "/app").AllowAll()
//	b.FS().Preopen("/data", policy.Virtualize("./data"))
//	b.Deny(policy.Sockets).Compose(target)
//	res, err := b.Finish(ctx)
type Builder struct {
	policy   *policy.Builder
	template []byte
	opts     Options
}

// New starts a builder with the passthrough default.
func New(template []byte) *Builder {
	return &Builder{policy: policy.NewBuilder(policy.DefaultPassthrough), template: template}
}

// FromConfig continues from an existing policy, such as one loaded from a
// config file.
func FromConfig(cfg policy.Config, template []byte) *Builder {
	return &Builder{policy: policy.BuilderFrom(cfg), template: template}
}

func (b *Builder) Env() *policy.EnvBuilder     { return b.policy.Env() }
func (b *Builder) FS() *policy.FSBuilder       { return b.policy.FS() }
func (b *Builder) Stdio() *policy.StdioBuilder { return b.policy.Stdio() }

// Policy exposes the underlying policy builder.
func (b *Builder) Policy() *policy.Builder { return b.policy }

func (b *Builder) Allow(subs ...policy.Subsystem) *Builder {
	b.policy.Allow(subs...)
	return b
}

func (b *Builder) Deny(subs ...policy.Subsystem) *Builder {
	b.policy.Deny(subs...)
	return b
}

// Exclude removes subsystems from the adapter even if the target imports
// them. Excluding a subsystem a retained one is coupled to fails the run.
func (b *Builder) Exclude(subs ...policy.Subsystem) *Builder {
	b.policy.Exclude(subs...)
	return b
}

// Debug turns on call tracing in the produced adapter.
func (b *Builder) Debug() *Builder {
	b.policy.Debug(true)
	return b
}

// Compose links the adapter into target on Finish. The target's imports
// also drive reduction unless FilterImports or AllowAllImports says
// otherwise.
func (b *Builder) Compose(target []byte) *Builder {
	b.opts.Target = target
	return b
}

// FilterImports reduces the adapter against an explicit import set.
func (b *Builder) FilterImports(set *component.ImportSet) *Builder {
	b.opts.Imports = set
	b.opts.NoReduce = false
	return b
}

// AllowAllImports skips reduction.
func (b *Builder) AllowAllImports() *Builder {
	b.opts.Imports = nil
	b.opts.NoReduce = true
	return b
}

// Validate instantiates the emitted adapter under wazero before returning it.
func (b *Builder) Validate() *Builder {
	b.opts.Validate = true
	return b
}

// WasmTools sets the wasm-tools binary used by the default composer.
func (b *Builder) WasmTools(path string) *Builder {
	b.opts.WasmTools = path
	return b
}

// WithComposer replaces the default wasm-tools composer.
func (b *Builder) WithComposer(c *compose.Composer) *Builder {
	b.opts.Composer = c
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.opts.Logger = l
	return b
}

// Config builds the policy without running the pipeline.
func (b *Builder) Config() (policy.Config, error) {
	return b.policy.Build()
}

// Finish builds the policy and runs the pipeline.
func (b *Builder) Finish(ctx context.Context) (*Result, error) {
	cfg, err := b.policy.Build()
	if err != nil {
		return nil, err
	}
	return Run(ctx, cfg, b.template, b.opts)
}

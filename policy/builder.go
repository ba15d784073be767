package policy

import (
	"go.uber.org/multierr"

	"github.com/wippyai/wasi-virt/errors"
)

// Builder assembles a Config. Errors from sub-builders are collected and
// reported by Build together with validation problems.
type Builder struct {
	cfg  Config
	errs error
}

// NewBuilder starts an empty policy with the given default.
func NewBuilder(def Default) *Builder {
	return &Builder{cfg: Config{Default: def}}
}

// BuilderFrom continues building from an existing policy, such as one loaded from a file.
func BuilderFrom(cfg Config) *Builder {
	return &Builder{cfg: cfg.Clone()}
}

// Default changes the mode for unconfigured subsystems.
func (b *Builder) Default(d Default) *Builder {
	b.cfg.Default = d
	return b
}

// Env returns the environment sub-builder, creating the env config on first use.
func (b *Builder) Env() *EnvBuilder {
	if b.cfg.Env == nil {
		b.cfg.Env = &EnvConfig{}
	}
	return &EnvBuilder{parent: b, env: b.cfg.Env}
}

// FS returns the filesystem sub-builder, creating the fs config on first use.
func (b *Builder) FS() *FSBuilder {
	if b.cfg.FS == nil {
		b.cfg.FS = NewFSConfig()
	}
	return &FSBuilder{parent: b, fs: b.cfg.FS}
}

// Stdio returns the stdio sub-builder, creating the stdio config on first use.
func (b *Builder) Stdio() *StdioBuilder {
	if b.cfg.Stdio == nil {
		b.cfg.Stdio = &StdioConfig{}
	}
	return &StdioBuilder{parent: b, stdio: b.cfg.Stdio}
}

// Allow enables subsystems for pass-through.
func (b *Builder) Allow(subs ...Subsystem) *Builder {
	for _, s := range subs {
		switch s {
		case Env:
			b.Env().AllowAll()
		case FS:
			b.FS().InheritHostPreopens()
		case Stdio:
			b.Stdio().All(StreamAllow)
		default:
			if !b.cfg.SetToggle(s, true) {
				b.fail(s, "cannot allow unknown subsystem")
			}
		}
	}
	return b
}

// Deny disables subsystems.
func (b *Builder) Deny(subs ...Subsystem) *Builder {
	for _, s := range subs {
		switch s {
		case Env:
			b.Env().DenyAll()
		case FS:
			b.FS().DenyHostPreopens()
		case Stdio:
			b.Stdio().All(StreamDeny)
		default:
			if !b.cfg.SetToggle(s, false) {
				b.fail(s, "cannot deny unknown subsystem")
			}
		}
	}
	return b
}

// AllowAll enables every subsystem for pass-through.
func (b *Builder) AllowAll() *Builder {
	return b.Allow(Subsystems()...)
}

// Exclude removes subsystems from the adapter surface.
func (b *Builder) Exclude(subs ...Subsystem) *Builder {
	b.cfg.Exclude = SortSubsystems(append(b.cfg.Exclude, subs...))
	return b
}

// Debug enables call tracing in the produced adapter.
func (b *Builder) Debug(on bool) *Builder {
	b.cfg.Debug = on
	return b
}

// WASIVersion sets the interface version the adapter declares.
func (b *Builder) WASIVersion(v string) *Builder {
	b.cfg.WASIVersion = v
	return b
}

// CompressCutoff stores embedded files at or above n bytes compressed.
func (b *Builder) CompressCutoff(n int) *Builder {
	b.cfg.CompressCutoff = n
	return b
}

// Build validates and returns an independent copy of the policy.
func (b *Builder) Build() (Config, error) {
	errs := b.errs
	if err := b.cfg.Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		list := multierr.Errors(errs)
		if len(list) == 1 {
			return Config{}, list[0]
		}
		return Config{}, errors.New(errors.PhaseConfig, errors.KindConfig).
			Detail("%d policy problems", len(list)).
			Cause(errs).
			Build()
	}
	return b.cfg.Clone(), nil
}

func (b *Builder) fail(s Subsystem, detail string) {
	b.errs = multierr.Append(b.errs, configError(s, "%s %q", detail, s))
}

// EnvBuilder configures environment virtualization.
type EnvBuilder struct {
	parent *Builder
	env    *EnvConfig
}

// Override sets a variable regardless of the host.
func (e *EnvBuilder) Override(key, value string) *EnvBuilder {
	e.env.Overrides = append(e.env.Overrides, Override{Key: key, Value: value})
	return e
}

// AllowAll forwards every non-overridden lookup to the host.
func (e *EnvBuilder) AllowAll() *EnvBuilder {
	e.env.Host = AllowAllHost()
	return e
}

// DenyAll never consults the host.
func (e *EnvBuilder) DenyAll() *EnvBuilder {
	e.env.Host = DenyAllHost()
	return e
}

// Allow forwards only the named variables.
func (e *EnvBuilder) Allow(names ...string) *EnvBuilder {
	e.env.Host = AllowHost(names...)
	return e
}

// Deny forwards every variable except the named ones.
func (e *EnvBuilder) Deny(names ...string) *EnvBuilder {
	e.env.Host = DenyHost(names...)
	return e
}

// Done returns to the parent builder.
func (e *EnvBuilder) Done() *Builder { return e.parent }

// FSBuilder configures filesystem virtualization.
type FSBuilder struct {
	parent *Builder
	fs     *FSConfig
}

// Preopen mounts entry at a virtual path.
func (f *FSBuilder) Preopen(path string, entry *Entry) *FSBuilder {
	if err := f.fs.AddPreopen(path, entry); err != nil {
		f.parent.errs = multierr.Append(f.parent.errs, err)
	}
	return f
}

// HostPreopen remaps a virtual preopen root onto a host directory.
func (f *FSBuilder) HostPreopen(virtualPath, hostPath string) *FSBuilder {
	clean, err := CleanPreopen(virtualPath)
	if err != nil {
		f.parent.errs = multierr.Append(f.parent.errs, err)
		return f
	}
	if f.fs.HostPreopens == nil {
		f.fs.HostPreopens = make(map[string]string)
	}
	f.fs.HostPreopens[clean] = hostPath
	return f
}

// InheritHostPreopens exposes the host's own preopens.
func (f *FSBuilder) InheritHostPreopens() *FSBuilder {
	f.fs.InheritHostPreopens = true
	f.fs.DenyHostPreopens = false
	return f
}

// DenyHostPreopens hides every host preopen and drops remaps.
func (f *FSBuilder) DenyHostPreopens() *FSBuilder {
	f.fs.DenyHostPreopens = true
	f.fs.InheritHostPreopens = false
	f.fs.HostPreopens = nil
	return f
}

// Done returns to the parent builder.
func (f *FSBuilder) Done() *Builder { return f.parent }

// StdioBuilder configures standard stream behavior.
type StdioBuilder struct {
	parent *Builder
	stdio  *StdioConfig
}

func (s *StdioBuilder) Stdin(m StreamMode) *StdioBuilder {
	s.stdio.Stdin = m
	return s
}

func (s *StdioBuilder) Stdout(m StreamMode) *StdioBuilder {
	s.stdio.Stdout = m
	return s
}

func (s *StdioBuilder) Stderr(m StreamMode) *StdioBuilder {
	s.stdio.Stderr = m
	return s
}

// All sets every stream to m.
func (s *StdioBuilder) All(m StreamMode) *StdioBuilder {
	s.stdio.Stdin, s.stdio.Stdout, s.stdio.Stderr = m, m, m
	return s
}

// Done returns to the parent builder.
func (s *StdioBuilder) Done() *Builder { return s.parent }

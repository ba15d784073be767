package policy

import (
	"path"
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/tidwall/btree"
	"go.uber.org/multierr"

	"github.com/wippyai/wasi-virt/errors"
)

// DefaultWASIVersion is the interface version the adapter declares unless overridden.
const DefaultWASIVersion = "0.2.3"

// Config is the complete virtualization policy. A nil subsystem config means
// the subsystem follows Default.
type Config struct {
	Env     *EnvConfig
	FS      *FSConfig
	Stdio   *StdioConfig
	Clocks  *bool
	Random  *bool
	Sockets *bool
	HTTP    *bool
	Exit    *bool

	// Exclude removes subsystems from the adapter regardless of the target's imports.
	Exclude []Subsystem

	Default        Default
	Debug          bool
	WASIVersion    string
	CompressCutoff int
}

// HostPolicyKind selects how non-overridden variables reach the host.
type HostPolicyKind uint8

const (
	HostDenyAll HostPolicyKind = iota
	HostAllowAll
	HostAllowList
	HostDenyList
)

func (k HostPolicyKind) String() string {
	switch k {
	case HostAllowAll:
		return "all"
	case HostAllowList:
		return "allow"
	case HostDenyList:
		return "deny"
	default:
		return "none"
	}
}

// HostPolicy gates access to the host environment.
type HostPolicy struct {
	Kind  HostPolicyKind
	Names []string
}

// AllowAllHost forwards every non-overridden lookup.
func AllowAllHost() HostPolicy { return HostPolicy{Kind: HostAllowAll} }

// DenyAllHost never consults the host.
func DenyAllHost() HostPolicy { return HostPolicy{Kind: HostDenyAll} }

// AllowHost forwards only the listed names.
func AllowHost(names ...string) HostPolicy {
	return HostPolicy{Kind: HostAllowList, Names: sortedNames(names)}
}

// DenyHost forwards everything except the listed names.
func DenyHost(names ...string) HostPolicy {
	return HostPolicy{Kind: HostDenyList, Names: sortedNames(names)}
}

// Permits reports whether a lookup of name may touch the host.
func (h HostPolicy) Permits(name string) bool {
	switch h.Kind {
	case HostAllowAll:
		return true
	case HostAllowList:
		return containsName(h.Names, name)
	case HostDenyList:
		return !containsName(h.Names, name)
	default:
		return false
	}
}

// Override is one environment variable set by the policy.
type Override struct {
	Key   string
	Value string
}

// EnvConfig virtualizes wasi:cli/environment.
type EnvConfig struct {
	Overrides []Override
	Host      HostPolicy
}

// FSConfig virtualizes wasi:filesystem.
type FSConfig struct {
	preopens *btree.Map[string, *Entry]

	// HostPreopens remaps virtual preopen roots onto host directories.
	HostPreopens map[string]string
	// InheritHostPreopens exposes the host's own preopens next to the virtual ones.
	InheritHostPreopens bool
	DenyHostPreopens    bool
}

// NewFSConfig creates an empty filesystem config.
func NewFSConfig() *FSConfig {
	return &FSConfig{preopens: btree.NewMap[string, *Entry](0)}
}

// Preopen is a virtual root and its entry.
type Preopen struct {
	Path  string
	Entry *Entry
}

// AddPreopen registers entry at a virtual preopen path.
func (c *FSConfig) AddPreopen(p string, entry *Entry) error {
	clean, err := CleanPreopen(p)
	if err != nil {
		return err
	}
	if entry == nil {
		return errors.New(errors.PhaseConfig, errors.KindConfig).
			Subsystem(string(FS)).Path(clean).Detail("nil preopen entry").Build()
	}
	if c.preopens == nil {
		c.preopens = btree.NewMap[string, *Entry](0)
	}
	if _, exists := c.preopens.Get(clean); exists {
		return errors.New(errors.PhaseConfig, errors.KindConfig).
			Subsystem(string(FS)).Path(clean).Detail("duplicate preopen").Build()
	}
	c.preopens.Set(clean, entry)
	return nil
}

// Preopens returns virtual preopens ordered by path.
func (c *FSConfig) Preopens() []Preopen {
	if c.preopens == nil {
		return nil
	}
	out := make([]Preopen, 0, c.preopens.Len())
	c.preopens.Scan(func(p string, e *Entry) bool {
		out = append(out, Preopen{Path: p, Entry: e})
		return true
	})
	return out
}

// HostPreopenList returns remaps ordered by virtual path.
func (c *FSConfig) HostPreopenList() [][2]string {
	out := make([][2]string, 0, len(c.HostPreopens))
	for v, h := range c.HostPreopens {
		out = append(out, [2]string{v, h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// CleanPreopen normalizes a preopen path.
func CleanPreopen(p string) (string, error) {
	if strings.TrimSpace(p) == "" || strings.ContainsRune(p, 0) {
		return "", errors.New(errors.PhaseConfig, errors.KindConfig).
			Subsystem(string(FS)).Detail("invalid preopen path %q", p).Build()
	}
	return path.Clean(p), nil
}

// StdioConfig selects a mode per standard stream.
type StdioConfig struct {
	Stdin  StreamMode
	Stdout StreamMode
	Stderr StreamMode
}

// Strategy resolves the behavior for a subsystem.
func (c *Config) Strategy(s Subsystem) Strategy {
	configured := false
	switch s {
	case Env:
		configured = c.Env != nil
	case FS:
		configured = c.FS != nil
	case Stdio:
		configured = c.Stdio != nil
	default:
		if t := c.Toggle(s); t != nil {
			if *t {
				return StrategyForward
			}
			return StrategyDeny
		}
	}
	if configured {
		return StrategyVirtual
	}
	if c.Default == DefaultPassthrough {
		return StrategyForward
	}
	return StrategyDeny
}

// Toggle returns the enable flag pointer for a toggle subsystem.
func (c *Config) Toggle(s Subsystem) *bool {
	switch s {
	case Clocks:
		return c.Clocks
	case Random:
		return c.Random
	case Sockets:
		return c.Sockets
	case HTTP:
		return c.HTTP
	case Exit:
		return c.Exit
	}
	return nil
}

// SetToggle sets the enable flag for a toggle subsystem.
func (c *Config) SetToggle(s Subsystem, enabled bool) bool {
	v := enabled
	switch s {
	case Clocks:
		c.Clocks = &v
	case Random:
		c.Random = &v
	case Sockets:
		c.Sockets = &v
	case HTTP:
		c.HTTP = &v
	case Exit:
		c.Exit = &v
	default:
		return false
	}
	return true
}

// StreamMode resolves a stream mode against the default.
func (c *Config) StreamMode(m StreamMode) StreamMode {
	if m != StreamDefault {
		return m
	}
	if c.Default == DefaultPassthrough {
		return StreamAllow
	}
	return StreamDeny
}

// Excluded reports whether s is in the exclusion list.
func (c *Config) Excluded(s Subsystem) bool {
	for _, e := range c.Exclude {
		if e == s {
			return true
		}
	}
	return false
}

// Version returns the configured WASI version or the default.
func (c *Config) Version() string {
	if c.WASIVersion == "" {
		return DefaultWASIVersion
	}
	return c.WASIVersion
}

// Validate checks the whole policy and reports every problem at once.
func (c *Config) Validate() error {
	var errs error
	add := func(sub Subsystem, format string, args ...any) {
		errs = multierr.Append(errs, configError(sub, format, args...))
	}

	if c.Default > DefaultPassthrough {
		add("", "unknown default mode %d", c.Default)
	}

	if c.Env != nil {
		seen := make(map[string]struct{}, len(c.Env.Overrides))
		for _, o := range c.Env.Overrides {
			if o.Key == "" || strings.ContainsAny(o.Key, "=\x00") {
				add(Env, "invalid variable name %q", o.Key)
				continue
			}
			if _, dup := seen[o.Key]; dup {
				add(Env, "variable %q overridden more than once", o.Key)
			}
			seen[o.Key] = struct{}{}
		}
		if c.Env.Host.Kind > HostDenyList {
			add(Env, "unknown host policy %d", c.Env.Host.Kind)
		}
		if (c.Env.Host.Kind == HostAllowList || c.Env.Host.Kind == HostDenyList) && len(c.Env.Host.Names) == 0 {
			add(Env, "host %s list is empty", c.Env.Host.Kind)
		}
		for _, n := range c.Env.Host.Names {
			if n == "" {
				add(Env, "empty name in host %s list", c.Env.Host.Kind)
			}
		}
	}

	if c.FS != nil {
		if c.FS.DenyHostPreopens && len(c.FS.HostPreopens) > 0 {
			add(FS, "host preopen remaps given while host preopens are denied")
		}
		if c.FS.DenyHostPreopens && c.FS.InheritHostPreopens {
			add(FS, "host preopens both inherited and denied")
		}
		for v, h := range c.FS.HostPreopens {
			if strings.TrimSpace(v) == "" || strings.TrimSpace(h) == "" {
				add(FS, "incomplete host preopen remap %q -> %q", v, h)
			}
		}
		for _, p := range c.FS.Preopens() {
			_ = p.Entry.Walk(func(segs []string, e *Entry) error {
				where := path.Join(append([]string{p.Path}, segs...)...)
				switch e.kind {
				case EntryVirtualize, EntryRuntimeFile:
					if e.path == "" {
						add(FS, "%s entry at %s has no path", e.kind, where)
					}
				case EntrySymlink:
					if e.path == "" || strings.ContainsRune(e.path, 0) {
						add(FS, "invalid symlink target %q at %s", e.path, where)
					}
				case EntrySource, EntryDir:
				default:
					add(FS, "unknown entry kind at %s", where)
				}
				return nil
			})
		}
	}

	if c.Stdio != nil {
		modes := []StreamMode{c.Stdio.Stdin, c.Stdio.Stdout, c.Stdio.Stderr}
		for i, name := range []string{"stdin", "stdout", "stderr"} {
			if modes[i] > StreamIgnore {
				add(Stdio, "unknown %s mode %d", name, modes[i])
			}
		}
	}

	for _, s := range c.Exclude {
		if _, err := ParseSubsystem(string(s)); err != nil {
			add("", "%v", err)
		}
	}

	if c.WASIVersion != "" {
		if _, err := semver.NewVersion(c.WASIVersion); err != nil {
			add("", "invalid WASI version %q: %v", c.WASIVersion, err)
		}
	}
	if c.CompressCutoff < 0 {
		add(FS, "negative compression cutoff %d", c.CompressCutoff)
	}

	if errs == nil {
		return nil
	}
	if len(multierr.Errors(errs)) == 1 {
		return errs
	}
	return errors.New(errors.PhaseConfig, errors.KindConfig).
		Detail("%d policy problems", len(multierr.Errors(errs))).
		Cause(errs).
		Build()
}

// Clone returns a deep copy that shares nothing with c.
func (c *Config) Clone() Config {
	out := *c
	if c.Env != nil {
		env := *c.Env
		env.Overrides = append([]Override(nil), c.Env.Overrides...)
		env.Host.Names = append([]string(nil), c.Env.Host.Names...)
		out.Env = &env
	}
	if c.FS != nil {
		fs := NewFSConfig()
		fs.InheritHostPreopens = c.FS.InheritHostPreopens
		fs.DenyHostPreopens = c.FS.DenyHostPreopens
		if c.FS.HostPreopens != nil {
			fs.HostPreopens = make(map[string]string, len(c.FS.HostPreopens))
			for k, v := range c.FS.HostPreopens {
				fs.HostPreopens[k] = v
			}
		}
		for _, p := range c.FS.Preopens() {
			fs.preopens.Set(p.Path, p.Entry.Clone())
		}
		out.FS = fs
	}
	if c.Stdio != nil {
		stdio := *c.Stdio
		out.Stdio = &stdio
	}
	out.Clocks = cloneBool(c.Clocks)
	out.Random = cloneBool(c.Random)
	out.Sockets = cloneBool(c.Sockets)
	out.HTTP = cloneBool(c.HTTP)
	out.Exit = cloneBool(c.Exit)
	out.Exclude = append([]Subsystem(nil), c.Exclude...)
	return out
}

func configError(sub Subsystem, format string, args ...any) *errors.Error {
	b := errors.New(errors.PhaseConfig, errors.KindConfig).Detail(format, args...)
	if sub != "" {
		b = b.Subsystem(string(sub))
	}
	return b.Build()
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Package env implements wasi:cli/environment for the adapter.
package env

import (
	"context"
	"os"
	"strings"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/state"
)

const Interface = "wasi:cli/environment"

// Host is the environment the adapter forwards to.
type Host interface {
	LookupEnv(name string) (string, bool)
	Environ() [][2]string
	Args() []string
	Cwd() (string, bool)
}

type osHost struct{}

// OS returns the process environment.
func OS() Host { return osHost{} }

func (osHost) LookupEnv(name string) (string, bool) { return os.LookupEnv(name) }

func (osHost) Environ() [][2]string {
	env := os.Environ()
	out := make([][2]string, 0, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out = append(out, [2]string{k, v})
	}
	return out
}

func (osHost) Args() []string { return os.Args }

func (osHost) Cwd() (string, bool) {
	wd, err := os.Getwd()
	return wd, err == nil
}

// Environment answers environment queries.
type Environment interface {
	Get(name string) (string, bool, error)
	GetEnvironment() ([][2]string, error)
	GetArguments() ([]string, error)
	InitialCwd() (string, bool, error)
}

// New selects the implementation for a strategy. cfg is only used when
// virtualizing.
func New(strategy policy.Strategy, cfg *state.Env, host Host) Environment {
	switch strategy {
	case policy.StrategyForward:
		return forward{host: host}
	case policy.StrategyVirtual:
		v := &virtual{host: host, policy: policy.HostPolicy{Kind: policy.HostDenyAll}}
		if cfg != nil {
			v.overrides = cfg.Overrides
			v.policy = policy.HostPolicy{Kind: cfg.Host, Names: cfg.Names}
		}
		return v
	default:
		return deny{}
	}
}

type forward struct{ host Host }

func (f forward) Get(name string) (string, bool, error) {
	v, ok := f.host.LookupEnv(name)
	return v, ok, nil
}

func (f forward) GetEnvironment() ([][2]string, error) { return f.host.Environ(), nil }
func (f forward) GetArguments() ([]string, error)      { return f.host.Args(), nil }

func (f forward) InitialCwd() (string, bool, error) {
	cwd, ok := f.host.Cwd()
	return cwd, ok, nil
}

type deny struct{}

func (deny) Get(string) (string, bool, error) {
	return "", false, errors.Denied("env", "get")
}

func (deny) GetEnvironment() ([][2]string, error) {
	return nil, errors.Denied("env", "get-environment")
}

func (deny) GetArguments() ([]string, error) {
	return nil, errors.Denied("env", "get-arguments")
}

func (deny) InitialCwd() (string, bool, error) {
	return "", false, errors.Denied("env", "initial-cwd")
}

type virtual struct {
	overrides []policy.Override
	policy    policy.HostPolicy
	host      Host
}

// Get resolves an override first; otherwise the host policy decides whether
// the host is asked at all.
func (v *virtual) Get(name string) (string, bool, error) {
	for _, o := range v.overrides {
		if o.Key == name {
			return o.Value, true, nil
		}
	}
	if !v.policy.Permits(name) {
		return "", false, nil
	}
	val, ok := v.host.LookupEnv(name)
	return val, ok, nil
}

func (v *virtual) GetEnvironment() ([][2]string, error) {
	out := make([][2]string, 0, len(v.overrides))
	shadowed := make(map[string]struct{}, len(v.overrides))
	for _, o := range v.overrides {
		out = append(out, [2]string{o.Key, o.Value})
		shadowed[o.Key] = struct{}{}
	}
	if v.policy.Kind == policy.HostDenyAll {
		return out, nil
	}
	for _, kv := range v.host.Environ() {
		if _, ok := shadowed[kv[0]]; ok {
			continue
		}
		if v.policy.Permits(kv[0]) {
			out = append(out, kv)
		}
	}
	return out, nil
}

func (v *virtual) GetArguments() ([]string, error) {
	if v.policy.Kind == policy.HostDenyAll {
		return []string{}, nil
	}
	return v.host.Args(), nil
}

func (v *virtual) InitialCwd() (string, bool, error) {
	if v.policy.Kind == policy.HostDenyAll {
		return "", false, nil
	}
	cwd, ok := v.host.Cwd()
	return cwd, ok, nil
}

// EnvironmentHost exposes an Environment as wasi:cli/environment.
type EnvironmentHost struct {
	env Environment
}

func NewEnvironmentHost(env Environment) *EnvironmentHost {
	return &EnvironmentHost{env: env}
}

func (h *EnvironmentHost) GetEnvironment(_ context.Context) [][2]string {
	out, err := h.env.GetEnvironment()
	errors.Raise(err)
	return out
}

func (h *EnvironmentHost) GetArguments(_ context.Context) []string {
	out, err := h.env.GetArguments()
	errors.Raise(err)
	return out
}

func (h *EnvironmentHost) InitialCwd(_ context.Context) *string {
	cwd, ok, err := h.env.InitialCwd()
	errors.Raise(err)
	if !ok {
		return nil
	}
	return &cwd
}

func (h *EnvironmentHost) Register() map[string]any {
	return map[string]any{
		"get-environment": h.GetEnvironment,
		"get-arguments":   h.GetArguments,
		"initial-cwd":     h.InitialCwd,
	}
}

package adapter

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasi-virt/adapter/env"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/internal/testmodule"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/reduce"
	"github.com/wippyai/wasi-virt/state"
)

type fakeEnv struct{ vars map[string]string }

func (f fakeEnv) Args() []string      { return []string{"app"} }
func (f fakeEnv) Cwd() (string, bool) { return "/", true }

func (f fakeEnv) LookupEnv(name string) (string, bool) {
	v, ok := f.vars[name]
	return v, ok
}

func (f fakeEnv) Environ() [][2]string {
	var out [][2]string
	for k, v := range f.vars {
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

var _ env.Host = fakeEnv{}

func stateFor(t *testing.T, b *policy.Builder) *state.State {
	t.Helper()
	cfg, err := b.Build()
	require.NoError(t, err)
	st, err := state.FromPolicy(&cfg, nil)
	require.NoError(t, err)
	return st
}

func funcNames(funcs map[string]any) []string {
	out := make([]string, 0, len(funcs))
	for name := range funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func TestBindingsMatchTemplate(t *testing.T) {
	st := stateFor(t, policy.NewBuilder(policy.DefaultPassthrough))
	a := FromState(st, Host{})
	defer a.Close()

	want := reduce.TemplateExports(st.WASIVersion)
	got := a.Bindings()
	require.Len(t, got, len(want))
	for iface, funcs := range want {
		require.Contains(t, got, iface)
		sorted := append([]string(nil), funcs...)
		sort.Strings(sorted)
		assert.Equal(t, sorted, funcNames(got[iface]), iface)
	}
}

func TestDroppedSubsystemUnbound(t *testing.T) {
	st := stateFor(t, policy.NewBuilder(policy.DefaultPassthrough))
	st.Drop(policy.Sockets)
	st.Drop(policy.HTTP)
	a := FromState(st, Host{})

	for _, iface := range a.Interfaces() {
		assert.NotContains(t, iface, "wasi:sockets/")
		assert.NotContains(t, iface, "wasi:http/")
	}
	_, err := a.Func("wasi:sockets/tcp@"+st.WASIVersion, "[method]tcp-socket.accept")
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindNotFound})
}

func TestDenyOnlyOmitsIO(t *testing.T) {
	st := stateFor(t, policy.NewBuilder(policy.DefaultDeny).Deny(policy.Clocks))
	for _, sub := range []policy.Subsystem{policy.FS, policy.Stdio, policy.Sockets, policy.HTTP} {
		st.Drop(sub)
	}
	a := FromState(st, Host{})
	for _, iface := range a.Interfaces() {
		assert.NotContains(t, iface, "wasi:io/")
	}
}

func TestFromModule(t *testing.T) {
	st := stateFor(t, policy.NewBuilder(policy.DefaultDeny).
		Env().Override("HOME", "/virtual").Allow("PATH").Done())
	payload, err := st.Encode()
	require.NoError(t, err)
	module, err := state.Splice(testmodule.Adapter(testmodule.AdapterOptions{}), payload)
	require.NoError(t, err)

	host := Host{Env: fakeEnv{vars: map[string]string{"PATH": "/bin", "SECRET": "x"}}}
	a, err := FromModule(module, host)
	require.NoError(t, err)

	fn, err := a.Func("wasi:cli/environment@"+st.WASIVersion, "get-environment")
	require.NoError(t, err)
	vars := fn.(func(context.Context) [][2]string)(context.Background())
	assert.Equal(t, [][2]string{{"HOME", "/virtual"}, {"PATH", "/bin"}}, vars)
}

func TestNewRejectsCorruptPayload(t *testing.T) {
	_, err := New([]byte("nope"), Host{})
	require.Error(t, err)
}

func TestTraceLogsCallsAndTraps(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	st := stateFor(t, policy.NewBuilder(policy.DefaultDeny).Debug(true))
	a := FromState(st, Host{}, WithLogger(zap.New(core)))

	fn, err := a.Func("wasi:random/random@"+st.WASIVersion, "get-random-u64")
	require.NoError(t, err)
	assert.Panics(t, func() { fn.(func(context.Context) uint64)(context.Background()) })

	entries := logs.FilterMessage("trap").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "get-random-u64", entries[0].ContextMap()["func"])
}

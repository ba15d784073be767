package reduce_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/internal/testmodule"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/reduce"
	"github.com/wippyai/wasi-virt/state"
	"github.com/wippyai/wasi-virt/wasm"
)

const version = "0.2.3"

// adapter splices the state for b into a full template and records its surface.
func adapter(t *testing.T, b *policy.Builder) []byte {
	t.Helper()
	cfg, err := b.Build()
	require.NoError(t, err)
	st, err := state.FromPolicy(&cfg, cfg.FS)
	require.NoError(t, err)
	payload, err := st.Encode()
	require.NoError(t, err)

	tmpl := testmodule.Adapter(testmodule.AdapterOptions{Exports: reduce.TemplateExports(version)})
	spliced, err := state.Splice(tmpl, payload)
	require.NoError(t, err)
	out, err := reduce.WriteSurface(spliced, reduce.Derive(st))
	require.NoError(t, err)
	return out
}

func imports(t *testing.T, names ...string) *component.ImportSet {
	t.Helper()
	set, err := component.ParseImportSet(names...)
	require.NoError(t, err)
	return set
}

func envAndStdio() *policy.Builder {
	return policy.NewBuilder(policy.DefaultDeny).
		Env().Override("HOME", "/app").Done().
		Stdio().Stdout(policy.StreamAllow).Done()
}

func TestDerive(t *testing.T) {
	cfg, err := policy.NewBuilder(policy.DefaultDeny).
		Env().Allow("PATH").Done().
		Allow(policy.Clocks).
		Build()
	require.NoError(t, err)
	st, err := state.FromPolicy(&cfg, nil)
	require.NoError(t, err)

	s := reduce.Derive(st)
	assert.Equal(t, version, s.Version)
	assert.Equal(t, []string{"clocks", "env", "exit", "fs", "http", "io", "random", "sockets", "stdio"}, s.Subsystems())

	env, ok := s.Entry("env")
	require.True(t, ok)
	assert.Equal(t, "virtual", env.Strategy)
	assert.Equal(t, []string{"wasi:cli/environment@0.2.3"}, env.Exports)
	assert.Equal(t, env.Exports, env.Imports, "allow-list still reads the host")
	assert.Empty(t, env.Shared)

	clocks, _ := s.Entry("clocks")
	assert.Equal(t, "forward", clocks.Strategy)
	assert.Equal(t, []string{"poll"}, clocks.Shared)
	assert.Equal(t, clocks.Exports, clocks.Imports)

	sockets, _ := s.Entry("sockets")
	assert.Equal(t, "deny", sockets.Strategy)
	assert.Empty(t, sockets.Shared)
	assert.Empty(t, sockets.Imports)

	io, _ := s.Entry(reduce.IO)
	assert.NotEmpty(t, io.Imports, "forwarded clocks need host pollables")
}

func TestDeriveVirtualEnvWithoutHost(t *testing.T) {
	cfg, err := policy.NewBuilder(policy.DefaultDeny).
		Env().Override("A", "1").Done().
		Build()
	require.NoError(t, err)
	st, err := state.FromPolicy(&cfg, nil)
	require.NoError(t, err)

	env, _ := reduce.Derive(st).Entry("env")
	assert.Empty(t, env.Imports)
}

func TestSurfaceSectionRoundTrip(t *testing.T) {
	mod := adapter(t, envAndStdio())
	s, err := reduce.ReadSurface(mod)
	require.NoError(t, err)
	assert.Contains(t, s.Subsystems(), "stdio")
	assert.Contains(t, s.Imports(), "wasi:cli/stdout@0.2.3")
	assert.NotContains(t, s.Imports(), "wasi:cli/stdin@0.2.3")

	m, err := wasm.Parse(mod)
	require.NoError(t, err)
	m.RemoveCustom(reduce.SectionName)
	derived, err := reduce.ReadSurface(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, s, derived, "surface falls back to the embedded state")
}

func TestPlanKeepsOnlyImported(t *testing.T) {
	mod := adapter(t, envAndStdio())
	s, err := reduce.ReadSurface(mod)
	require.NoError(t, err)

	plan, err := reduce.NewPlan(s, imports(t, "wasi:cli/environment@0.2.3", "wasi:cli/stdout@0.2.3"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"env", "io", "stdio"}, plan.Retained)
	assert.Equal(t, []string{"clocks", "exit", "fs", "http", "random", "sockets"}, plan.Omitted)
	assert.Equal(t, []string{"env", "stdio"}, plan.Direct)
}

func TestPlanWithoutImportsKeepsAll(t *testing.T) {
	s, err := reduce.ReadSurface(adapter(t, envAndStdio()))
	require.NoError(t, err)

	plan, err := reduce.NewPlan(s, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Omitted)
	assert.True(t, plan.Retains("sockets"))
}

func TestPlanAllowExcludes(t *testing.T) {
	s, err := reduce.ReadSurface(adapter(t, envAndStdio()))
	require.NoError(t, err)

	plan, err := reduce.NewPlan(s, imports(t, "wasi:cli/environment@0.2.3", "wasi:cli/stdout@0.2.3"),
		[]policy.Subsystem{policy.Stdio})
	require.NoError(t, err)
	assert.Equal(t, []string{"io", "stdio"}, plan.Retained)
	assert.Contains(t, plan.Omitted, "env")
}

func TestPlanCouplingRetainsPeers(t *testing.T) {
	b := policy.NewBuilder(policy.DefaultDeny).
		Stdio().All(policy.StreamIgnore).Done().
		Allow(policy.Clocks, policy.Sockets)
	s, err := reduce.ReadSurface(adapter(t, b))
	require.NoError(t, err)

	// clocks binds poll, sockets binds poll and streams, stdio binds streams
	plan, err := reduce.NewPlan(s, imports(t, "wasi:clocks/wall-clock@0.2.3"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"clocks", "io", "sockets", "stdio"}, plan.Retained)
	assert.Equal(t, []string{"clocks"}, plan.Direct)
}

func TestPlanCouplingConflict(t *testing.T) {
	root, err := policy.Dir().With(map[string]*policy.Entry{"f": policy.SourceString("x")})
	require.NoError(t, err)
	b := policy.NewBuilder(policy.DefaultDeny).
		FS().Preopen("/data", root).Done().
		Stdio().Stdout(policy.StreamAllow).Done()
	s, err := reduce.ReadSurface(adapter(t, b))
	require.NoError(t, err)

	_, err = reduce.NewPlan(s, imports(t, "wasi:cli/stdout@0.2.3"), []policy.Subsystem{policy.Stdio})
	require.Error(t, err)

	var conflict *errors.ReductionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"fs", "stdio"}, conflict.Subsystems())
	require.Len(t, conflict.Conflicts, 1)
	assert.Equal(t, "stdio", conflict.Conflicts[0].Required)
	assert.Equal(t, "fs", conflict.Conflicts[0].Excluded)
	assert.Equal(t, []string{"streams"}, conflict.Conflicts[0].Shared)
	assert.True(t, strings.Contains(err.Error(), "streams"))
}

func TestApply(t *testing.T) {
	mod := adapter(t, envAndStdio())
	core, logs := observer.New(zapcore.InfoLevel)

	out, plan, err := reduce.Reduce(mod, imports(t, "wasi:cli/environment@0.2.3", "wasi:cli/stdout@0.2.3"), nil, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, []string{"env", "io", "stdio"}, plan.Retained)

	names, err := testmodule.ExportNames(out)
	require.NoError(t, err)
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "wasi:filesystem/"), n)
		assert.False(t, strings.HasPrefix(n, "wasi:sockets/"), n)
	}
	assert.Contains(t, names, "wasi:cli/environment@0.2.3#get-environment")
	assert.Contains(t, names, "wasi:io/streams@0.2.3#[method]output-stream.write")

	s, err := reduce.ReadSurface(out)
	require.NoError(t, err)
	assert.Equal(t, plan.Retained, s.Subsystems())

	payload, err := state.Extract(out)
	require.NoError(t, err)
	st, err := state.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, []policy.Subsystem{policy.Env, policy.Stdio}, st.Subsystems())

	omitted := logs.FilterMessage("subsystem omitted").All()
	assert.Len(t, omitted, len(plan.Omitted))
}

func TestApplyIdempotent(t *testing.T) {
	mod := adapter(t, envAndStdio())
	set := imports(t, "wasi:cli/stdout@0.2.3")

	once, plan, err := reduce.Reduce(mod, set, nil, nil)
	require.NoError(t, err)
	twice, err := reduce.Apply(once, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	again, plan2, err := reduce.Reduce(once, set, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, plan.Retained, plan2.Retained)
	assert.Equal(t, once, again)
}

func TestTemplateExportsCoverCatalog(t *testing.T) {
	exports := reduce.TemplateExports(version)
	for _, sub := range policy.Subsystems() {
		for _, iface := range reduce.Interfaces(string(sub)) {
			funcs, ok := exports[iface+"@"+version]
			assert.True(t, ok, iface)
			assert.NotEmpty(t, funcs, iface)
		}
	}
	assert.Equal(t, []reduce.Primitive{reduce.Streams}, reduce.Primitives(policy.Stdio))
	assert.Empty(t, reduce.Primitives(policy.Env))
}

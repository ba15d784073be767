package virt_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/adapter"
	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/compose"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/internal/testmodule"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/reduce"
	"github.com/wippyai/wasi-virt/state"
	"github.com/wippyai/wasi-virt/virt"
)

const version = policy.DefaultWASIVersion

func template() []byte {
	return testmodule.Adapter(testmodule.AdapterOptions{Exports: reduce.TemplateExports(version)})
}

func iface(name string) string { return name + "@" + version }

type passthrough struct{ encoded, linked bool }

func (p *passthrough) Encode(_ context.Context, module []byte) ([]byte, error) {
	p.encoded = true
	return module, nil
}

func (p *passthrough) Link(_ context.Context, _, target []byte) ([]byte, error) {
	p.linked = true
	return target, nil
}

func TestEnvOverrideAndDeniedStdout(t *testing.T) {
	target := testmodule.Component([]string{iface("wasi:cli/environment"), iface("wasi:cli/stdout")}, nil)
	linker := &passthrough{}

	cfg, err := policy.NewBuilder(policy.DefaultDeny).
		Env().Override("X", "1").Done().
		Stdio().Stdout(policy.StreamDeny).Done().
		Build()
	require.NoError(t, err)

	res, err := virt.Run(context.Background(), cfg, template(), virt.Options{
		Target:   target,
		Validate: true,
		Composer: &compose.Composer{Encoder: linker, Linker: linker, Logger: zap.NewNop()},
	})
	require.NoError(t, err)
	assert.True(t, linker.encoded)
	assert.True(t, linker.linked)
	assert.Equal(t, target, res.Component)
	assert.Equal(t, []string{"env", "io", "stdio"}, res.Retained)
	assert.Contains(t, res.Omitted, "sockets")

	a, err := adapter.FromModule(res.Adapter, adapter.Host{})
	require.NoError(t, err)
	defer a.Close()
	for _, name := range a.Interfaces() {
		assert.NotContains(t, name, "wasi:sockets")
	}

	fn, err := a.Func(iface("wasi:cli/environment"), "get-environment")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"X", "1"}}, fn.(func(context.Context) [][2]string)(context.Background()))

	getStdout, err := a.Func(iface("wasi:cli/stdout"), "get-stdout")
	require.NoError(t, err)
	stream := getStdout.(func(context.Context) uint32)(context.Background())
	write, err := a.Func(iface("wasi:io/streams"), "[method]output-stream.blocking-write-and-flush")
	require.NoError(t, err)
	assert.Panics(t, func() {
		write.(func(context.Context, uint32, []byte) *vio.ResultError)(context.Background(), stream, []byte("x"))
	})
}

func TestBuilderVirtualizesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("x = 1"), 0o644))

	b := virt.New(template())
	b.FS().Preopen("/etc/app", policy.Virtualize(dir))
	b.Deny(policy.Sockets, policy.HTTP).AllowAllImports()
	res, err := b.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.toml"), res.Files["/etc/app/config.toml"])
	assert.Nil(t, res.Component)
	assert.Empty(t, res.Omitted)

	payload, err := state.Extract(res.Adapter)
	require.NoError(t, err)
	st, err := state.Decode(payload)
	require.NoError(t, err)
	require.NotNil(t, st.FS)
	require.Len(t, st.FS.Preopens, 1)
	node, ok := st.Child(st.FS.Preopens[0].Node, "config.toml")
	require.True(t, ok)
	data, err := st.File(node)
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(data))
}

func TestMissingVirtualizeSourceAborts(t *testing.T) {
	b := virt.New(template())
	b.FS().Preopen("/data", policy.Virtualize(filepath.Join(t.TempDir(), "missing")))
	_, err := b.Finish(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseResolve, Kind: errors.KindFilesystemResolution})
}

func TestExcludeCoupledSubsystemConflicts(t *testing.T) {
	imports, err := component.ParseImportSet(iface("wasi:cli/stdout"))
	require.NoError(t, err)

	_, err = virt.New(template()).
		Exclude(policy.FS).
		FilterImports(imports).
		Finish(context.Background())
	require.Error(t, err)
	var conflict *errors.ReductionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Subsystems(), "fs")
}

func TestExcludeWithoutCoupling(t *testing.T) {
	res, err := virt.New(template()).
		Exclude(policy.Random).
		AllowAllImports().
		Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"random"}, res.Omitted)
}

func TestRunRejectsInvalidPolicy(t *testing.T) {
	cfg := policy.Config{Env: &policy.EnvConfig{Overrides: []policy.Override{{Key: "A=B", Value: "x"}}}}
	_, err := virt.Run(context.Background(), cfg, template(), virt.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindConfig})
}

func TestRunRequiresTemplate(t *testing.T) {
	cfg, err := virt.New(nil).Config()
	require.NoError(t, err)
	_, err = virt.Run(context.Background(), cfg, nil, virt.Options{})
	require.Error(t, err)
}

func TestFromConfigContinuesLoadedPolicy(t *testing.T) {
	cfg, err := policy.Parse([]byte("env:\n  overrides: [[X, \"1\"]]\n"), policy.FormatYAML, policy.DefaultDeny, "")
	require.NoError(t, err)

	res, err := virt.FromConfig(cfg, template()).
		WithLogger(zap.NewNop()).
		AllowAllImports().
		Validate().
		Finish(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Retained, "env")
	assert.Nil(t, res.Component)
}

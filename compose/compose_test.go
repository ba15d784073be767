package compose

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/internal/testmodule"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/reduce"
	"github.com/wippyai/wasi-virt/state"
)

func TestCompatible(t *testing.T) {
	tests := []struct {
		imported, exported string
		want               bool
	}{
		{"0.2.0", "0.2.3", true},
		{"0.2.3", "0.2.0", true},
		{"0.2.3", "0.3.0", false},
		{"1.0.0", "1.4.2", true},
		{"1.0.0", "2.0.0", false},
	}
	for _, tt := range tests {
		got := Compatible(semver.New(tt.imported), semver.New(tt.exported))
		assert.Equal(t, tt.want, got, "%s vs %s", tt.imported, tt.exported)
	}
	assert.True(t, Compatible(nil, semver.New("0.2.3")))
}

func surface(t *testing.T) *reduce.Surface {
	t.Helper()
	cfg, err := policy.NewBuilder(policy.DefaultPassthrough).Build()
	require.NoError(t, err)
	st, err := state.FromPolicy(&cfg, nil)
	require.NoError(t, err)
	return reduce.Derive(st)
}

func TestCheckNamesInterface(t *testing.T) {
	imports, err := component.ParseImportSet(
		"wasi:cli/environment@0.2.0",
		"wasi:random/random@0.3.0",
		"my:pkg/api@1.0.0",
	)
	require.NoError(t, err)

	err = Check(surface(t), imports)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrComposition)
	assert.Contains(t, err.Error(), "wasi:random/random")
	assert.Contains(t, err.Error(), "0.3.0")
	assert.NotContains(t, err.Error(), "wasi:cli/environment")
}

func TestCheckAcceptsCompatible(t *testing.T) {
	imports, err := component.ParseImportSet("wasi:cli/stdout@0.2.1", "wasi:io/streams@0.2.0")
	require.NoError(t, err)
	assert.NoError(t, Check(surface(t), imports))
}

type recorder struct {
	encoded []byte
	linked  [2][]byte
}

func (r *recorder) Encode(_ context.Context, module []byte) ([]byte, error) {
	r.encoded = module
	return []byte("component"), nil
}

func (r *recorder) Link(_ context.Context, adapter, target []byte) ([]byte, error) {
	r.linked = [2][]byte{adapter, target}
	return []byte("composed"), nil
}

func TestComposerDelegates(t *testing.T) {
	adapter, err := reduce.WriteSurface(testmodule.Adapter(testmodule.AdapterOptions{}), surface(t))
	require.NoError(t, err)
	target := testmodule.Component([]string{"wasi:cli/environment@0.2.3"}, nil)

	rec := &recorder{}
	c := &Composer{Encoder: rec, Linker: rec, Logger: zap.NewNop()}

	out, err := c.Compose(context.Background(), adapter, target)
	require.NoError(t, err)
	assert.Equal(t, "composed", string(out))
	assert.Equal(t, adapter, rec.encoded)
	assert.Equal(t, "component", string(rec.linked[0]))
	assert.Equal(t, target, rec.linked[1])
}

func TestComposerStopsOnMismatch(t *testing.T) {
	adapter, err := reduce.WriteSurface(testmodule.Adapter(testmodule.AdapterOptions{}), surface(t))
	require.NoError(t, err)
	target := testmodule.Component([]string{"wasi:cli/environment@0.3.0"}, nil)

	rec := &recorder{}
	c := &Composer{Encoder: rec, Linker: rec, Logger: zap.NewNop()}
	_, err = c.Compose(context.Background(), adapter, target)
	require.Error(t, err)
	assert.Nil(t, rec.encoded)
}

func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	p := filepath.Join(t.TempDir(), "wasm-tools")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func TestToolRunsBinary(t *testing.T) {
	bin := script(t, `case "$1" in
component) in="$3"; out="$5";;
compose) in="$2"; out="$6";;
esac
cat "$in" > "$out"
`)
	tool := &Tool{Path: bin}
	ctx := context.Background()

	out, err := tool.Encode(ctx, []byte("core"))
	require.NoError(t, err)
	assert.Equal(t, "core", string(out))

	out, err = tool.Link(ctx, []byte("adapter"), []byte("target"))
	require.NoError(t, err)
	assert.Equal(t, "target", string(out))
}

func TestToolSurfacesStderr(t *testing.T) {
	bin := script(t, "echo 'error: missing export wasi:cli/run' >&2\nexit 1\n")
	_, err := (&Tool{Path: bin}).Encode(context.Background(), []byte("core"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrComposition)
	assert.Contains(t, err.Error(), "error: missing export wasi:cli/run")
}

func TestToolMissingBinary(t *testing.T) {
	_, err := (&Tool{Path: filepath.Join(t.TempDir(), "absent")}).Encode(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrComposition)
}

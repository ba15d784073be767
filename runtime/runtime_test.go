package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasi-virt/adapter"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/internal/testmodule"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/state"
	"github.com/wippyai/wasi-virt/wasm"
)

// adapterModule splices the state of b into a template forwarding fwds.
func adapterModule(t *testing.T, b *policy.Builder, fwds func(ver string) []testmodule.Forward) ([]byte, string) {
	t.Helper()
	cfg, err := b.Build()
	require.NoError(t, err)
	st, err := state.FromPolicy(&cfg, nil)
	require.NoError(t, err)
	payload, err := st.Encode()
	require.NoError(t, err)
	template := testmodule.Adapter(testmodule.AdapterOptions{Forwards: fwds(st.WASIVersion)})
	module, err := state.Splice(template, payload)
	require.NoError(t, err)
	return module, st.WASIVersion
}

func randomForwards(ver string) []testmodule.Forward {
	iface := "wasi:random/random@" + ver
	return []testmodule.Forward{
		{Interface: iface, Func: "get-random-u64", Results: []wasm.ValType{wasm.ValI64}},
		{Interface: iface, Func: "get-random-bytes", Params: []wasm.ValType{wasm.ValI64, wasm.ValI32}},
	}
}

func TestForwardedScalarResult(t *testing.T) {
	ctx := context.Background()
	module, ver := adapterModule(t, policy.NewBuilder(policy.DefaultDeny).Allow(policy.Random), randomForwards)

	src := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, 42)
	inst, err := Instantiate(ctx, module, WithHost(adapter.Host{Random: bytes.NewReader(src)}))
	require.NoError(t, err)
	defer inst.Close(ctx)

	out, err := inst.Call(ctx, "wasi:random/random@"+ver+"#get-random-u64")
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, out)
}

func TestForwardedBytesThroughRetptr(t *testing.T) {
	ctx := context.Background()
	module, ver := adapterModule(t, policy.NewBuilder(policy.DefaultDeny).Allow(policy.Random), randomForwards)

	inst, err := Instantiate(ctx, module, WithHost(adapter.Host{Random: bytes.NewReader([]byte("wxyz"))}))
	require.NoError(t, err)
	defer inst.Close(ctx)

	const retptr = 256
	_, err = inst.Call(ctx, "wasi:random/random@"+ver+"#get-random-bytes", 4, retptr)
	require.NoError(t, err)

	ptr, ok := inst.Memory().ReadUint32Le(retptr)
	require.True(t, ok)
	n, ok := inst.Memory().ReadUint32Le(retptr + 4)
	require.True(t, ok)
	require.Equal(t, uint32(4), n)
	assert.GreaterOrEqual(t, ptr, uint32(wasm.PageSize))

	data, ok := inst.Memory().Read(ptr, n)
	require.True(t, ok)
	assert.Equal(t, "wxyz", string(data))
}

func TestDeniedSubsystemReturnsTrap(t *testing.T) {
	ctx := context.Background()
	module, ver := adapterModule(t, policy.NewBuilder(policy.DefaultDeny), randomForwards)

	inst, err := Instantiate(ctx, module)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Call(ctx, "wasi:random/random@"+ver+"#get-random-u64")
	var trap *errors.Trap
	require.ErrorAs(t, err, &trap)
	assert.Equal(t, "random", trap.Subsystem)
}

func TestUnservedImportsTrap(t *testing.T) {
	ctx := context.Background()
	module, ver := adapterModule(t, policy.NewBuilder(policy.DefaultDeny).Env().Override("A", "1").Done(),
		func(ver string) []testmodule.Forward {
			return []testmodule.Forward{
				{Interface: "wasi:cli/environment@" + ver, Func: "get-environment", Params: []wasm.ValType{wasm.ValI32}},
				{Interface: "acme:unknown/api", Func: "ping"},
			}
		})

	inst, err := Instantiate(ctx, module)
	require.NoError(t, err)
	defer inst.Close(ctx)

	cases := []struct {
		export string
		params []uint64
		reason string
	}{
		{"wasi:cli/environment@" + ver + "#get-environment", []uint64{0}, "cannot be lowered"},
		{"acme:unknown/api#ping", nil, "no binding"},
	}
	for _, tc := range cases {
		t.Run(tc.export, func(t *testing.T) {
			_, err := inst.Call(ctx, tc.export, tc.params...)
			var trap *errors.Trap
			require.ErrorAs(t, err, &trap)
			assert.Contains(t, trap.Reason, tc.reason)
		})
	}
}

func TestMismatchedSignatureTraps(t *testing.T) {
	ctx := context.Background()
	module, ver := adapterModule(t, policy.NewBuilder(policy.DefaultDeny).Allow(policy.Random),
		func(ver string) []testmodule.Forward {
			return []testmodule.Forward{
				{Interface: "wasi:random/random@" + ver, Func: "get-random-u64", Results: []wasm.ValType{wasm.ValI32}},
			}
		})

	inst, err := Instantiate(ctx, module)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Call(ctx, "wasi:random/random@"+ver+"#get-random-u64")
	var trap *errors.Trap
	require.ErrorAs(t, err, &trap)
	assert.Contains(t, trap.Reason, "does not match")
}

func TestExitEndsInstance(t *testing.T) {
	ctx := context.Background()
	module, ver := adapterModule(t, policy.NewBuilder(policy.DefaultDeny).Allow(policy.Exit),
		func(ver string) []testmodule.Forward {
			return []testmodule.Forward{
				{Interface: "wasi:cli/exit@" + ver, Func: "exit", Params: []wasm.ValType{wasm.ValI32}},
			}
		})

	inst, err := Instantiate(ctx, module)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Call(ctx, "wasi:cli/exit@"+ver+"#exit", 1)
	var exit *sys.ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, uint32(1), exit.ExitCode())
}

func TestUnknownExport(t *testing.T) {
	ctx := context.Background()
	module, _ := adapterModule(t, policy.NewBuilder(policy.DefaultDeny), randomForwards)
	inst, err := Instantiate(ctx, module)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Call(ctx, "missing")
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindNotFound})
}

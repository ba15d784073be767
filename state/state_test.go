package state

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

func buildConfig(t *testing.T, cutoff int) policy.Config {
	t.Helper()
	etc, err := policy.Dir().With(map[string]*policy.Entry{
		"b.txt": policy.SourceString("bee"),
		"a.txt": policy.SourceString("ay"),
	})
	require.NoError(t, err)
	data, err := policy.Dir().With(map[string]*policy.Entry{
		"etc":   etc,
		"hosts": policy.RuntimeFile("/etc/hosts"),
		"big":   policy.SourceString(strings.Repeat("compressible text ", 512)),
	})
	require.NoError(t, err)

	cfg, err := policy.NewBuilder(policy.DefaultDeny).
		Env().Override("HOME", "/home/app").Allow("PATH").Done().
		FS().Preopen("/data", data).HostPreopen("/tmp", "/var/tmp").Done().
		Stdio().Stdout(policy.StreamAllow).Stderr(policy.StreamIgnore).Done().
		Allow(policy.Clocks).
		CompressCutoff(cutoff).
		Build()
	require.NoError(t, err)
	return cfg
}

func TestFromPolicyBreadthFirst(t *testing.T) {
	cfg := buildConfig(t, 0)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)

	require.NotNil(t, s.FS)
	require.Len(t, s.FS.Preopens, 1)
	assert.Equal(t, "/data", s.FS.Preopens[0].Path)

	var names []string
	for _, n := range s.Nodes {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"/data", "big", "etc", "hosts", "a.txt", "b.txt"}, names)

	root := s.Nodes[0]
	assert.Equal(t, NodeDir, root.Kind)
	assert.Equal(t, uint32(1), root.First)
	assert.Equal(t, uint32(3), root.Count)

	etc, ok := s.Child(0, "etc")
	require.True(t, ok)
	a, ok := s.Child(etc, "a.txt")
	require.True(t, ok)
	data, err := s.File(a)
	require.NoError(t, err)
	assert.Equal(t, "ay", string(data))

	hosts, ok := s.Child(0, "hosts")
	require.True(t, ok)
	assert.Equal(t, NodeRuntimeFile, s.Nodes[hosts].Kind)
	assert.Equal(t, "/etc/hosts", s.Nodes[hosts].Host)

	_, ok = s.Child(0, "missing")
	assert.False(t, ok)
	assert.Equal(t, [][2]string{{"/tmp", "/var/tmp"}}, s.FS.HostPreopens)
}

func TestFromPolicyStrategies(t *testing.T) {
	cfg := buildConfig(t, 0)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, policy.StrategyVirtual, s.Strategies[policy.Env])
	assert.Equal(t, policy.StrategyForward, s.Strategies[policy.Clocks])
	assert.Equal(t, policy.StrategyDeny, s.Strategies[policy.Sockets])

	require.NotNil(t, s.Env)
	assert.Equal(t, policy.HostAllowList, s.Env.Host)
	assert.Equal(t, []string{"PATH"}, s.Env.Names)

	require.NotNil(t, s.Stdio)
	assert.Equal(t, policy.StreamDeny, s.Stdio.Stdin, "unset stream follows deny default")
	assert.Equal(t, policy.StreamAllow, s.Stdio.Stdout)
	assert.Equal(t, policy.StreamIgnore, s.Stdio.Stderr)
}

func TestFromPolicyPassthrough(t *testing.T) {
	cfg, err := policy.NewBuilder(policy.DefaultPassthrough).Build()
	require.NoError(t, err)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)

	for _, sub := range policy.Subsystems() {
		assert.Equal(t, policy.StrategyForward, s.Strategies[sub], sub)
	}
	assert.Nil(t, s.FS)
	assert.Nil(t, s.Env)
	assert.Equal(t, policy.StreamAllow, s.Stdio.Stdin)
}

func TestFromPolicyRejectsUnmaterialized(t *testing.T) {
	cfg, err := policy.NewBuilder(policy.DefaultDeny).
		FS().Preopen("/src", policy.Virtualize("./src")).Done().
		Build()
	require.NoError(t, err)

	_, err = FromPolicy(&cfg, nil)
	require.Error(t, err)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{"/src"}, e.Path)
}

func TestEncodeDeterministic(t *testing.T) {
	cfg := buildConfig(t, 0)
	s1, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)
	s2, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)

	p1, err := s1.Encode()
	require.NoError(t, err)
	p2, err := s2.Encode()
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, []byte("WVST"), p1[:4])
}

func TestDecodeRoundTrip(t *testing.T) {
	cfg := buildConfig(t, 256)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)
	payload, err := s.Encode()
	require.NoError(t, err)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, s.Strategies, got.Strategies)
	assert.Equal(t, s.Env, got.Env)
	assert.Equal(t, s.Stdio, got.Stdio)
	assert.Equal(t, s.Nodes, got.Nodes)

	again, err := got.Encode()
	require.NoError(t, err)
	assert.Equal(t, payload, again, "decode then encode must be stable")
}

func TestCompressedFiles(t *testing.T) {
	cfg := buildConfig(t, 256)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)

	big, ok := s.Child(0, "big")
	require.True(t, ok)
	n := s.Nodes[big]
	assert.Equal(t, CodecZstd, n.Codec)
	assert.Less(t, n.Count, n.Size)

	payload, err := s.Encode()
	require.NoError(t, err)
	decoded, err := Decode(payload)
	require.NoError(t, err)
	data, err := decoded.File(big)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("compressible text ", 512), string(data))

	// files under the cutoff stay raw
	etc, _ := s.Child(0, "etc")
	a, _ := s.Child(etc, "a.txt")
	assert.Equal(t, CodecNone, s.Nodes[a].Codec)
}

func TestCompressCodecs(t *testing.T) {
	binary := bytes.Repeat([]byte{0x00, 0x01, 0x02, 0xff}, 1024)
	out, codec, err := compress(binary)
	require.NoError(t, err)
	assert.Equal(t, CodecLZ4, codec)
	back, err := decompress(out, codec, len(binary))
	require.NoError(t, err)
	assert.Equal(t, binary, back)

	random := []byte{0x8f, 0x13, 0x00, 0x77, 0xe2}
	out, codec, err = compress(random)
	require.NoError(t, err)
	assert.Equal(t, CodecNone, codec)
	assert.Equal(t, random, out)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	cfg := buildConfig(t, 0)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)
	payload, err := s.Encode()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated header", func(p []byte) []byte { return p[:10] }},
		{"magic", func(p []byte) []byte { p[0] = 'X'; return p }},
		{"version", func(p []byte) []byte { p[4] = 9; return p }},
		{"digest", func(p []byte) []byte { p[len(p)-1] ^= 0xff; return p }},
		{"length", func(p []byte) []byte { return p[:len(p)-1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrupt := tt.mutate(append([]byte(nil), payload...))
			_, err := Decode(corrupt)
			assert.Error(t, err)
		})
	}
}

func TestDrop(t *testing.T) {
	cfg := buildConfig(t, 0)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)

	s.Drop(policy.FS)
	s.Drop(policy.Sockets)
	assert.False(t, s.Has(policy.FS))
	assert.Nil(t, s.FS)
	assert.Nil(t, s.Nodes)
	assert.Nil(t, s.Blob)
	assert.NotContains(t, s.Subsystems(), policy.Sockets)
	assert.Contains(t, s.Subsystems(), policy.Env)

	_, ok := s.Strategy(policy.FS)
	assert.False(t, ok)
}

func TestSymlinkNodes(t *testing.T) {
	data, err := policy.Dir().With(map[string]*policy.Entry{
		"current": policy.Symlink("v2"),
		"v2":      policy.SourceString("two"),
	})
	require.NoError(t, err)
	cfg, err := policy.NewBuilder(policy.DefaultDeny).FS().Preopen("/app", data).Done().Build()
	require.NoError(t, err)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)

	link, ok := s.Child(0, "current")
	require.True(t, ok)
	assert.Equal(t, NodeSymlink, s.Nodes[link].Kind)
	assert.Equal(t, "v2", s.Nodes[link].Host)
	assert.False(t, s.HostFS())

	payload, err := s.Encode()
	require.NoError(t, err)
	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, s.Nodes, got.Nodes)
}

func TestHostFS(t *testing.T) {
	cfg := buildConfig(t, 0)
	s, err := FromPolicy(&cfg, nil)
	require.NoError(t, err)
	assert.True(t, s.HostFS(), "runtime file and remap reach the host")

	s.FS.HostPreopens = nil
	s.FS.InheritHost = false
	s.Nodes = s.Nodes[:1]
	s.Nodes[0].Count = 0
	assert.False(t, s.HostFS())

	s.FS.InheritHost = true
	assert.True(t, s.HostFS())
	s.FS.DenyHost = true
	assert.False(t, s.HostFS())
}

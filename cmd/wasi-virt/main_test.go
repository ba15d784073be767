package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/internal/testmodule"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/reduce"
	"github.com/wippyai/wasi-virt/state"
	"github.com/wippyai/wasi-virt/virt"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func templateFile(t *testing.T) string {
	t.Helper()
	tpl := testmodule.Adapter(testmodule.AdapterOptions{Exports: reduce.TemplateExports(policy.DefaultWASIVersion)})
	return writeFile(t, t.TempDir(), "adapter.wasm", tpl)
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func decodeOutput(t *testing.T, path string) *state.State {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	payload, err := state.Extract(data)
	require.NoError(t, err)
	st, err := state.Decode(payload)
	require.NoError(t, err)
	return st
}

func TestRunWritesAdapter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "conf/app.toml", []byte("port = 80"))
	out := filepath.Join(dir, "out.wasm")

	stdout, _, err := runCLI(t,
		"--adapter", templateFile(t),
		"-o", out,
		"-e", "MODE=test",
		"--allow-env=HOME,USER",
		"--mount", "/etc/app="+filepath.Join(dir, "conf"),
		"--stdout", "ignore",
		"--allow-clocks",
		"--log-level", "warn",
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote "+out)
	assert.Contains(t, stdout, "/etc/app/app.toml <- ")

	st := decodeOutput(t, out)
	assert.Equal(t, policy.StrategyForward, st.Strategies[policy.Clocks])
	assert.Equal(t, policy.StrategyDeny, st.Strategies[policy.Random])
	require.NotNil(t, st.Env)
	assert.Equal(t, []policy.Override{{Key: "MODE", Value: "test"}}, st.Env.Overrides)
	assert.Equal(t, policy.HostAllowList, st.Env.Host)
	assert.Equal(t, []string{"HOME", "USER"}, st.Env.Names)
	assert.Equal(t, policy.StreamIgnore, st.Stdio.Stdout)
	assert.Equal(t, policy.StreamDeny, st.Stdio.Stdin)

	require.NotNil(t, st.FS)
	require.Len(t, st.FS.Preopens, 1)
	node, ok := st.Child(st.FS.Preopens[0].Node, "app.toml")
	require.True(t, ok)
	data, err := st.File(node)
	require.NoError(t, err)
	assert.Equal(t, "port = 80", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "left temp file %s", e.Name())
	}
}

func TestRunTemplateFromEnvironment(t *testing.T) {
	t.Setenv(adapterEnv, templateFile(t))
	out := filepath.Join(t.TempDir(), "out.wasm")
	_, _, err := runCLI(t, "-o", out, "--allow-all")
	require.NoError(t, err)

	st := decodeOutput(t, out)
	for _, sub := range policy.Subsystems() {
		assert.NotEqual(t, policy.StrategyDeny, st.Strategies[sub], sub)
	}
}

func TestRunMissingTemplate(t *testing.T) {
	t.Setenv(adapterEnv, "")
	_, _, err := runCLI(t, "-o", filepath.Join(t.TempDir(), "out.wasm"))
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindConfig})
}

func TestRunUsageErrors(t *testing.T) {
	tpl := templateFile(t)
	out := filepath.Join(t.TempDir(), "out.wasm")
	tests := []struct {
		name string
		args []string
	}{
		{"no output", []string{"--adapter", tpl}},
		{"unknown flag", []string{"--adapter", tpl, "-o", out, "--frobnicate"}},
		{"bad stream mode", []string{"--adapter", tpl, "-o", out, "--stdio", "maybe"}},
		{"bad env pair", []string{"--adapter", tpl, "-o", out, "-e", "NOEQUALS"}},
		{"bad exclude", []string{"--adapter", tpl, "-o", out, "--exclude", "gpu"}},
		{"two targets", []string{"--adapter", tpl, "-o", out, "a.wasm", "b.wasm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args...)
			require.Error(t, err)
			var coder interface{ ExitCode() int }
			require.True(t, stderrors.As(err, &coder))
			assert.Equal(t, 2, coder.ExitCode())
		})
		assert.NoFileExists(t, out)
	}
}

func TestRunConfigFileWithOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data/a.txt", []byte("a"))
	cfg := writeFile(t, dir, "policy.jsonc", []byte(`{
  // embedded data, resolved next to this file
  "fs": {"preopens": {"/data": {"virtualize": "data"}}},
  "stdio": {"stdin": "deny", "stdout": "allow", "stderr": "allow"},
  "random": true,
}`))
	out := filepath.Join(dir, "out.wasm")

	stdout, _, err := runCLI(t, "--adapter", templateFile(t), "-c", cfg, "-o", out, "--stderr", "ignore")
	require.NoError(t, err)
	assert.Contains(t, stdout, "/data/a.txt <- ")

	st := decodeOutput(t, out)
	assert.Equal(t, policy.StrategyForward, st.Strategies[policy.Random])
	assert.Equal(t, policy.StreamAllow, st.Stdio.Stdout)
	assert.Equal(t, policy.StreamIgnore, st.Stdio.Stderr)
}

func TestRunComposesTarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	dir := t.TempDir()
	tool := writeFile(t, dir, "wasm-tools", []byte(`#!/bin/sh
case "$1" in
component) in="$3"; out="$5";;
compose) in="$2"; out="$6";;
esac
cat "$in" > "$out"
`))
	require.NoError(t, os.Chmod(tool, 0o755))

	v := policy.DefaultWASIVersion
	target := testmodule.Component([]string{"wasi:cli/environment@" + v, "wasi:cli/stdout@" + v}, nil)
	targetPath := writeFile(t, dir, "app.wasm", target)
	out := filepath.Join(dir, "app.virt.wasm")

	stdout, _, err := runCLI(t, targetPath, "--adapter", templateFile(t), "-o", out, "--wasm-tools", tool, "-e", "X=1", "--stdout", "allow")
	require.NoError(t, err)
	assert.Contains(t, stdout, "retained: env, io, stdio")
	assert.Contains(t, stdout, "omitted:")

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestRunCompositionFailureWritesNothing(t *testing.T) {
	dir := t.TempDir()
	v := "0.3.0"
	targetPath := writeFile(t, dir, "app.wasm", testmodule.Component([]string{"wasi:cli/environment@" + v}, nil))
	out := filepath.Join(dir, "out.wasm")

	_, _, err := runCLI(t, targetPath, "--adapter", templateFile(t), "-o", out)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrComposition)
	assert.NoFileExists(t, out)
}

func TestRunVersion(t *testing.T) {
	stdout, _, err := runCLI(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "wasi-virt dev\n", stdout)
}

func TestRunHelp(t *testing.T) {
	_, stderr, err := runCLI(t, "-h")
	require.NoError(t, err)
	assert.Contains(t, stderr, "--allow-env")
	assert.Contains(t, stderr, "--mount")
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "out.wasm")
	require.NoError(t, os.WriteFile(p, []byte("old"), 0o644))

	require.NoError(t, writeAtomic(p, []byte("new")))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	err = writeAtomic(filepath.Join(dir, "missing", "out.wasm"), []byte("x"))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoggerWritesRotatedFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "virt.log")
	var console bytes.Buffer
	logger, flush, err := newLogger(logConfig{Level: "debug", File: file}, &console)
	require.NoError(t, err)
	logger.Debug("hello")
	flush()

	assert.Contains(t, console.String(), "hello")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	_, _, err = newLogger(logConfig{Level: "loud"}, &console)
	assert.Error(t, err)
}

func inspectFixture(t *testing.T) *inspectModel {
	t.Helper()
	cfgDir, err := policy.Dir().With(map[string]*policy.Entry{
		"app.toml": policy.SourceString("x = 1"),
	})
	require.NoError(t, err)
	cfg, err := policy.NewBuilder(policy.DefaultDeny).
		Env().Override("X", "1").Done().
		FS().Preopen("/cfg", cfgDir).Done().
		Exclude(policy.Sockets).
		Build()
	require.NoError(t, err)
	res := &virt.Result{
		Adapter:  []byte("adapter"),
		Retained: []string{"env", "fs", "io"},
		Omitted:  []string{"sockets"},
		Files:    map[string]string{"/cfg/extra.txt": "/tmp/extra.txt"},
	}
	return newInspectModel("app.wasm", &cfg, res)
}

func TestInspectorRows(t *testing.T) {
	m := inspectFixture(t)
	require.Len(t, m.rows, len(policy.Subsystems()))

	status := map[string]string{}
	for _, r := range m.rows {
		status[r.name] = r.status
	}
	assert.Equal(t, "retained", status["env"])
	assert.Equal(t, "excluded", status["sockets"])
	assert.Equal(t, "omitted", status["clocks"])

	view := m.View()
	assert.Contains(t, view, "app.wasm")
	assert.Contains(t, view, "retained env, fs, io")
}

func TestInspectorNavigation(t *testing.T) {
	m := inspectFixture(t)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	// clocks, env, exit, fs
	for i := 0; i < 3; i++ {
		m.Update(tea.KeyMsg{Type: tea.KeyDown})
	}
	assert.Equal(t, "fs", m.rows[m.selected].name)
	assert.Contains(t, m.View(), "app.toml")
	assert.Contains(t, m.View(), "/cfg/extra.txt <- /tmp/extra.txt")

	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "exit", m.rows[m.selected].name)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("w")})
	require.NotNil(t, cmd)
	assert.Equal(t, decisionWrite, m.decision)
}

func TestInspectorAbort(t *testing.T) {
	m := inspectFixture(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.Equal(t, decisionAbort, m.decision)
}

func TestInspectRequiresTerminal(t *testing.T) {
	if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		t.Skip("running under a terminal")
	}
	_, err := inspect("app.wasm", &policy.Config{}, &virt.Result{})
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindConfig})
}

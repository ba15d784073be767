package vfs

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestMaterializeDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), "bee")
	writeFile(t, filepath.Join(root, "a.txt"), "ay")
	writeFile(t, filepath.Join(root, "sub", "c.txt"), "sea")
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))

	cfg := policy.NewFSConfig()
	require.NoError(t, cfg.AddPreopen("/data", policy.Virtualize(root)))
	require.NoError(t, cfg.AddPreopen("/etc/hosts", policy.RuntimeFile("/etc/hosts")))

	out, report, err := Materialize(cfg, nil)
	require.NoError(t, err)

	preopens := out.Preopens()
	require.Len(t, preopens, 2)
	data := preopens[0].Entry
	require.Equal(t, policy.EntryDir, data.Kind())

	var names []string
	data.Each(func(name string, _ *policy.Entry) bool {
		names = append(names, name)
		return true
	})
	assert.Equal(t, []string{"a.txt", "b.txt", "empty", "sub"}, names)

	empty, ok := data.Child("empty")
	require.True(t, ok)
	assert.Equal(t, policy.EntryDir, empty.Kind())
	assert.Equal(t, 0, empty.Len())

	sub, _ := data.Child("sub")
	c, ok := sub.Child("c.txt")
	require.True(t, ok)
	assert.Equal(t, "sea", string(c.Bytes()))

	assert.Equal(t, policy.EntryRuntimeFile, preopens[1].Entry.Kind())
	assert.Equal(t, filepath.Join(root, "sub", "c.txt"), report["/data/sub/c.txt"])
	assert.Len(t, report, 3)

	// input untouched
	assert.Equal(t, policy.EntryVirtualize, cfg.Preopens()[0].Entry.Kind())
}

func TestMaterializeNestedVirtualize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "conf.ini"), "x=1")

	dir := policy.Dir()
	require.NoError(t, dir.Add("conf.ini", policy.Virtualize(filepath.Join(root, "conf.ini"))))
	require.NoError(t, dir.Add("motd", policy.SourceString("hi")))
	cfg := policy.NewFSConfig()
	require.NoError(t, cfg.AddPreopen("/etc", dir))

	out, report, err := Materialize(cfg, nil)
	require.NoError(t, err)
	conf, ok := out.Preopens()[0].Entry.Child("conf.ini")
	require.True(t, ok)
	assert.Equal(t, policy.EntrySource, conf.Kind())
	assert.Equal(t, "x=1", string(conf.Bytes()))
	assert.Equal(t, map[string]string{"/etc/conf.ini": filepath.Join(root, "conf.ini")}, map[string]string(report))
}

func TestMaterializeMissingPath(t *testing.T) {
	cfg := policy.NewFSConfig()
	missing := filepath.Join(t.TempDir(), "nope")
	require.NoError(t, cfg.AddPreopen("/data", policy.Virtualize(missing)))

	_, _, err := Materialize(cfg, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrFilesystemResolution))

	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, []string{"/data", missing}, e.Path)
}

func TestMaterializeSymlinkLoop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	require.NoError(t, os.Symlink(root, filepath.Join(root, "loop")))

	cfg := policy.NewFSConfig()
	require.NoError(t, cfg.AddPreopen("/r", policy.Virtualize(root)))
	_, _, err := Materialize(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop")
}

func TestMaterializeNil(t *testing.T) {
	out, report, err := Materialize(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Preopens())
	assert.Empty(t, report)
}

// Package vfs materializes Virtualize entries of a filesystem policy into
// literal contents captured from the local filesystem.
//
// The result contains only Source, RuntimeFile and Dir entries. Children are
// read in name order, so materializing the same directory twice yields the
// same tree. Any path that cannot be read aborts the whole run with a
// filesystem resolution error naming both the virtual and the local path.
package vfs

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

// Report maps each captured virtual file path to the local file it was read from.
type Report map[string]string

// Materialize returns a copy of cfg where every Virtualize entry has been
// replaced by the file or directory contents it names. cfg is not modified.
func Materialize(cfg *policy.FSConfig, logger *zap.Logger) (*policy.FSConfig, Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := policy.NewFSConfig()
	report := make(Report)
	if cfg == nil {
		return out, report, nil
	}

	out.InheritHostPreopens = cfg.InheritHostPreopens
	out.DenyHostPreopens = cfg.DenyHostPreopens
	if cfg.HostPreopens != nil {
		out.HostPreopens = make(map[string]string, len(cfg.HostPreopens))
		for k, v := range cfg.HostPreopens {
			out.HostPreopens[k] = v
		}
	}

	m := &materializer{logger: logger, report: report}
	for _, p := range cfg.Preopens() {
		entry, err := m.resolve(p.Path, p.Entry, nil)
		if err != nil {
			return nil, nil, err
		}
		if err := out.AddPreopen(p.Path, entry); err != nil {
			return nil, nil, err
		}
	}
	return out, report, nil
}

type materializer struct {
	logger *zap.Logger
	report Report
}

func (m *materializer) resolve(vpath string, e *policy.Entry, ancestors []os.FileInfo) (*policy.Entry, error) {
	switch e.Kind() {
	case policy.EntryVirtualize:
		return m.capture(vpath, e.Path(), ancestors)
	case policy.EntryDir:
		dir := policy.Dir()
		var err error
		e.Each(func(name string, child *policy.Entry) bool {
			var resolved *policy.Entry
			resolved, err = m.resolve(path.Join(vpath, name), child, ancestors)
			if err == nil {
				err = dir.Add(name, resolved)
			}
			return err == nil
		})
		if err != nil {
			return nil, err
		}
		return dir, nil
	default:
		return e.Clone(), nil
	}
}

func (m *materializer) capture(vpath, local string, ancestors []os.FileInfo) (*policy.Entry, error) {
	info, err := os.Stat(local)
	if err != nil {
		return nil, errors.FilesystemResolution(vpath, local, err)
	}

	switch {
	case info.Mode().IsRegular():
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, errors.FilesystemResolution(vpath, local, err)
		}
		m.report[vpath] = local
		m.logger.Debug("captured file",
			zap.String("virtual", vpath),
			zap.String("local", local),
			zap.Int("bytes", len(data)))
		return policy.Source(data), nil

	case info.IsDir():
		for _, a := range ancestors {
			if os.SameFile(a, info) {
				return nil, errors.FilesystemResolution(vpath, local, fmt.Errorf("directory loop"))
			}
		}
		entries, err := os.ReadDir(local)
		if err != nil {
			return nil, errors.FilesystemResolution(vpath, local, err)
		}
		dir := policy.Dir()
		next := append(append([]os.FileInfo(nil), ancestors...), info)
		// os.ReadDir returns entries sorted by filename.
		for _, de := range entries {
			child, err := m.capture(path.Join(vpath, de.Name()), filepath.Join(local, de.Name()), next)
			if err != nil {
				return nil, err
			}
			if err := dir.Add(de.Name(), child); err != nil {
				return nil, errors.FilesystemResolution(path.Join(vpath, de.Name()), filepath.Join(local, de.Name()), err)
			}
		}
		return dir, nil

	default:
		return nil, errors.FilesystemResolution(vpath, local,
			fmt.Errorf("unsupported file type %s", info.Mode().Type()&fs.ModeType))
	}
}

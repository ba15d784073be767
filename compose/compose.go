// Package compose checks that a reduced adapter can satisfy a target
// component and delegates the actual linking to an external tool.
package compose

import (
	"context"

	"github.com/coreos/go-semver/semver"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/reduce"
)

// Linker plugs an adapter component into a target component.
type Linker interface {
	Link(ctx context.Context, adapter, target []byte) ([]byte, error)
}

// Encoder wraps a core module into a component.
type Encoder interface {
	Encode(ctx context.Context, module []byte) ([]byte, error)
}

// Compatible reports whether an adapter exporting version exported can
// serve an import of version imported. Majors must match; below 1.0 the
// minors must match too. Unversioned ids match anything.
func Compatible(imported, exported *semver.Version) bool {
	if imported == nil || exported == nil {
		return true
	}
	if imported.Major != exported.Major {
		return false
	}
	if imported.Major == 0 && imported.Minor != exported.Minor {
		return false
	}
	return true
}

// Check verifies every target import the adapter exports is version
// compatible. All mismatches are reported together.
func Check(s *reduce.Surface, imports *component.ImportSet) error {
	exports := s.Exports()
	var errs error
	for _, imp := range imports.Interfaces() {
		exp, ok := exports[imp.Key()]
		if !ok {
			continue
		}
		if !Compatible(imp.Version, exp.Version) {
			errs = multierr.Append(errs, errors.InterfaceMismatch(imp.Key(), imp.VersionString(), exp.VersionString()))
		}
	}
	return errs
}

// Composer turns a reduced adapter module into a component and links it
// into a target.
type Composer struct {
	Encoder Encoder
	Linker  Linker
	Logger  *zap.Logger
}

// New creates a composer backed by one tool for both steps.
func New(tool *Tool, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{Encoder: tool, Linker: tool, Logger: logger}
}

// Compose checks compatibility, encodes the adapter and links it into
// target.
func (c *Composer) Compose(ctx context.Context, adapter, target []byte) ([]byte, error) {
	surface, err := reduce.ReadSurface(adapter)
	if err != nil {
		return nil, err
	}
	imports, err := component.Imports(target)
	if err != nil {
		return nil, err
	}
	if err := Check(surface, imports); err != nil {
		return nil, err
	}

	encoded, err := c.Encoder.Encode(ctx, adapter)
	if err != nil {
		return nil, err
	}
	c.Logger.Debug("adapter encoded", zap.Int("bytes", len(encoded)))

	out, err := c.Linker.Link(ctx, encoded, target)
	if err != nil {
		return nil, err
	}
	c.Logger.Info("composed", zap.Int("bytes", len(out)), zap.Int("target_imports", imports.Len()))
	return out, nil
}

package reduce

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/state"
	"github.com/wippyai/wasi-virt/wasm"
)

// Apply rewrites a spliced adapter so only the plan's retained entries
// remain: exports of omitted entries are removed, their embedded state is
// dropped and the surface section is rewritten. Applying a plan to an
// adapter it already reduced yields identical bytes.
func Apply(module []byte, plan *Plan, logger *zap.Logger) ([]byte, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	surface, err := ReadSurface(module)
	if err != nil {
		return nil, err
	}

	payload, err := state.Extract(module)
	if err != nil {
		return nil, err
	}
	st, err := state.Decode(payload)
	if err != nil {
		return nil, err
	}

	dropped := make(map[string]struct{})
	for _, name := range plan.Omitted {
		e, present := surface.Entry(name)
		if sub, err := policy.ParseSubsystem(name); err == nil {
			st.Drop(sub)
		}
		if !present {
			continue
		}
		for _, id := range e.Exports {
			if iface, err := component.ParseInterface(id); err == nil {
				dropped[iface.Key()] = struct{}{}
			}
		}
		logger.Info("subsystem omitted",
			zap.String("subsystem", name),
			zap.String("strategy", e.Strategy),
			zap.Int("interfaces", len(e.Exports)))
	}

	payload, err = st.Encode()
	if err != nil {
		return nil, err
	}
	spliced, err := state.Splice(module, payload)
	if err != nil {
		return nil, err
	}

	m, err := wasm.Parse(spliced)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseReduce, errors.KindInvalidData, err, "parse adapter")
	}
	exports, err := m.Exports()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseReduce, errors.KindInvalidData, err, "read exports")
	}
	kept := exports[:0:0]
	for _, ex := range exports {
		if key := exportInterface(ex.Name); key != "" {
			if _, drop := dropped[key]; drop {
				continue
			}
		}
		kept = append(kept, ex)
	}
	m.SetExports(kept)

	data, err := surface.Retain(plan.Retained).Marshal()
	if err != nil {
		return nil, err
	}
	m.SetCustom(SectionName, data)

	logger.Debug("adapter reduced",
		zap.Strings("retained", plan.Retained),
		zap.Int("exports_removed", len(exports)-len(kept)))
	return m.Encode(), nil
}

// Reduce plans and applies reduction in one step.
func Reduce(module []byte, imports *component.ImportSet, allow []policy.Subsystem, logger *zap.Logger) ([]byte, *Plan, error) {
	surface, err := ReadSurface(module)
	if err != nil {
		return nil, nil, err
	}
	plan, err := NewPlan(surface, imports, allow)
	if err != nil {
		return nil, nil, err
	}
	out, err := Apply(module, plan, logger)
	if err != nil {
		return nil, nil, err
	}
	return out, plan, nil
}

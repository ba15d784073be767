package reduce

import (
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/state"
	"github.com/wippyai/wasi-virt/wasm"
)

// SectionName is the custom section holding the adapter's declared surface.
const SectionName = "wasi-virt:surface"

// Entry is the declared interface of one subsystem of the adapter.
type Entry struct {
	Subsystem string   `cbor:"subsystem"`
	Strategy  string   `cbor:"strategy,omitempty"`
	Exports   []string `cbor:"exports"`
	Imports   []string `cbor:"imports,omitempty"`
	Shared    []string `cbor:"shared,omitempty"`
}

// Surface is the adapter's declared interface, one entry per subsystem.
type Surface struct {
	Version string  `cbor:"version"`
	Entries []Entry `cbor:"entries"`
}

var (
	surfaceEnc cbor.EncMode
	surfaceDec cbor.DecMode
)

func init() {
	var err error
	surfaceEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("reduce: cbor encoder initialization failed: " + err.Error())
	}
	surfaceDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("reduce: cbor decoder initialization failed: " + err.Error())
	}
}

// Derive computes the surface implied by adapter state.
func Derive(st *state.State) *Surface {
	s := &Surface{Version: st.WASIVersion}
	hostStreams := false
	for _, sub := range st.Subsystems() {
		strategy, _ := st.Strategy(sub)
		e := Entry{
			Subsystem: string(sub),
			Strategy:  strategy.String(),
			Exports:   versionedAll(Interfaces(string(sub)), st.WASIVersion),
		}
		switch strategy {
		case policy.StrategyForward:
			e.Imports = append([]string(nil), e.Exports...)
		case policy.StrategyVirtual:
			e.Imports = virtualImports(sub, st)
		}
		if strategy != policy.StrategyDeny {
			for _, p := range primitives[sub] {
				e.Shared = append(e.Shared, string(p))
			}
			if len(e.Shared) > 0 && len(e.Imports) > 0 {
				hostStreams = true
			}
		}
		s.Entries = append(s.Entries, e)
	}

	io := Entry{Subsystem: IO, Exports: versionedAll(Interfaces(IO), st.WASIVersion)}
	if hostStreams {
		io.Imports = append([]string(nil), io.Exports...)
	}
	s.Entries = append(s.Entries, io)
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].Subsystem < s.Entries[j].Subsystem })
	return s
}

// virtualImports lists the host interfaces a virtualized subsystem still needs.
func virtualImports(sub policy.Subsystem, st *state.State) []string {
	v := st.WASIVersion
	switch sub {
	case policy.Env:
		if st.Env != nil && st.Env.Host != policy.HostDenyAll {
			return versionedAll(Interfaces(string(policy.Env)), v)
		}
	case policy.FS:
		if st.HostFS() {
			return versionedAll(Interfaces(string(policy.FS)), v)
		}
	case policy.Stdio:
		if st.Stdio == nil {
			return nil
		}
		var out []string
		if st.Stdio.Stdin == policy.StreamAllow {
			out = append(out, versioned("wasi:cli/stdin", v))
		}
		if st.Stdio.Stdout == policy.StreamAllow {
			out = append(out, versioned("wasi:cli/stdout", v))
		}
		if st.Stdio.Stderr == policy.StreamAllow {
			out = append(out, versioned("wasi:cli/stderr", v))
		}
		return out
	}
	return nil
}

func versionedAll(names []string, version string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = versioned(n, version)
	}
	return out
}

// Entry returns the entry for a subsystem.
func (s *Surface) Entry(sub string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Subsystem == sub {
			return e, true
		}
	}
	return Entry{}, false
}

// Subsystems lists the entry names in order.
func (s *Surface) Subsystems() []string {
	out := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Subsystem
	}
	return out
}

// Exports returns every exported interface keyed by unversioned id.
func (s *Surface) Exports() map[string]component.Interface {
	out := make(map[string]component.Interface)
	for _, e := range s.Entries {
		for _, name := range e.Exports {
			if i, err := component.ParseInterface(name); err == nil {
				out[i.Key()] = i
			}
		}
	}
	return out
}

// Imports lists every host interface the surface still imports, sorted.
func (s *Surface) Imports() []string {
	seen := make(map[string]struct{})
	for _, e := range s.Entries {
		for _, name := range e.Imports {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Retain returns a copy holding only the named entries.
func (s *Surface) Retain(names []string) *Surface {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	out := &Surface{Version: s.Version}
	for _, e := range s.Entries {
		if _, ok := keep[e.Subsystem]; ok {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

// Marshal encodes the surface deterministically.
func (s *Surface) Marshal() ([]byte, error) {
	data, err := surfaceEnc.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "encode surface")
	}
	return data, nil
}

// ReadSurface returns the surface recorded in an adapter. Adapters without
// the custom section get the surface derived from their embedded state.
func ReadSurface(module []byte) (*Surface, error) {
	m, err := wasm.Parse(module)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "parse adapter")
	}
	if data, ok := m.Custom(SectionName); ok {
		s := &Surface{}
		if err := surfaceDec.Unmarshal(data, s); err != nil {
			return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "decode surface section")
		}
		return s, nil
	}
	payload, err := state.Extract(module)
	if err != nil {
		return nil, err
	}
	st, err := state.Decode(payload)
	if err != nil {
		return nil, err
	}
	return Derive(st), nil
}

// WriteSurface records s in the adapter's custom section.
func WriteSurface(module []byte, s *Surface) ([]byte, error) {
	m, err := wasm.Parse(module)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "parse adapter")
	}
	data, err := s.Marshal()
	if err != nil {
		return nil, err
	}
	m.SetCustom(SectionName, data)
	return m.Encode(), nil
}

// exportInterface returns the interface key of a core export named
// "<interface>#<func>", or "" for other exports.
func exportInterface(name string) string {
	i := strings.IndexByte(name, '#')
	if i < 0 {
		return ""
	}
	iface, err := component.ParseInterface(name[:i])
	if err != nil {
		return ""
	}
	return iface.Key()
}

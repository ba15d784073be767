package wasm

import (
	"encoding/binary"
	"fmt"

	ibinary "github.com/wippyai/wasi-virt/internal/binary"
)

// Section is one raw section of a core module. Name is set for custom
// sections only; Data never includes the custom section name.
type Section struct {
	ID   byte
	Name string
	Data []byte
}

// Module is a core module held as an ordered list of raw sections. Typed
// accessors decode individual sections on demand and setters replace them,
// leaving every other section byte-identical.
type Module struct {
	Sections []Section
}

// IsModule reports whether data starts with the core module preamble.
func IsModule(data []byte) bool {
	return len(data) >= 8 &&
		binary.LittleEndian.Uint32(data[0:4]) == Magic &&
		binary.LittleEndian.Uint32(data[4:8]) == Version
}

// Parse splits a core module into sections. The returned module owns copies
// of every payload, so editing it never touches data.
func Parse(data []byte) (*Module, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("wasm: module too short (%d bytes)", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return nil, fmt.Errorf("wasm: bad magic %x", data[0:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != Version {
		return nil, fmt.Errorf("wasm: unsupported version %d (components are not core modules)", v)
	}

	r := ibinary.NewReader(data[8:])
	m := &Module{}
	last := 0
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError(fmt.Sprintf("section %d", id), err)
		}

		sec := Section{ID: id, Data: payload}
		if id == SectionCustom {
			pr := ibinary.NewReader(payload)
			name, err := pr.ReadName()
			if err != nil {
				return nil, r.WrapError("custom section name", err)
			}
			sec.Name = name
			sec.Data = pr.ReadRemaining()
		} else {
			if id > SectionTag {
				return nil, r.WrapError("section", fmt.Errorf("unknown section id %d", id))
			}
			order := sectionOrder(id)
			if order <= last {
				return nil, r.WrapError("section", fmt.Errorf("section %d out of order", id))
			}
			last = order
		}
		m.Sections = append(m.Sections, sec)
	}
	return m, nil
}

// Encode serializes the module.
func (m *Module) Encode() []byte {
	w := ibinary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)
	for _, s := range m.Sections {
		w.Byte(s.ID)
		if s.ID == SectionCustom {
			name := ibinary.NewWriter()
			name.WriteName(s.Name)
			w.WriteU32(uint32(name.Len() + len(s.Data)))
			w.WriteBytes(name.Bytes())
			w.WriteBytes(s.Data)
			continue
		}
		w.WriteVec(s.Data)
	}
	return w.Bytes()
}

// Clone returns a deep copy.
func (m *Module) Clone() *Module {
	out := &Module{Sections: make([]Section, len(m.Sections))}
	for i, s := range m.Sections {
		out.Sections[i] = Section{ID: s.ID, Name: s.Name, Data: append([]byte(nil), s.Data...)}
	}
	return out
}

// Section returns the payload of a non-custom section.
func (m *Module) Section(id byte) ([]byte, bool) {
	for _, s := range m.Sections {
		if s.ID == id && id != SectionCustom {
			return s.Data, true
		}
	}
	return nil, false
}

// SetSection replaces a non-custom section or inserts it at its canonical position.
func (m *Module) SetSection(id byte, data []byte) {
	for i := range m.Sections {
		if m.Sections[i].ID == id {
			m.Sections[i].Data = data
			return
		}
	}
	order := sectionOrder(id)
	at := len(m.Sections)
	for i, s := range m.Sections {
		if s.ID != SectionCustom && sectionOrder(s.ID) > order {
			at = i
			break
		}
	}
	m.Sections = append(m.Sections, Section{})
	copy(m.Sections[at+1:], m.Sections[at:])
	m.Sections[at] = Section{ID: id, Data: data}
}

// RemoveSection drops a non-custom section if present.
func (m *Module) RemoveSection(id byte) {
	for i, s := range m.Sections {
		if s.ID == id && id != SectionCustom {
			m.Sections = append(m.Sections[:i], m.Sections[i+1:]...)
			return
		}
	}
}

// Custom returns the payload of the first custom section with name.
func (m *Module) Custom(name string) ([]byte, bool) {
	for _, s := range m.Sections {
		if s.ID == SectionCustom && s.Name == name {
			return s.Data, true
		}
	}
	return nil, false
}

// SetCustom replaces the named custom section in place, or appends it.
func (m *Module) SetCustom(name string, data []byte) {
	for i := range m.Sections {
		if m.Sections[i].ID == SectionCustom && m.Sections[i].Name == name {
			m.Sections[i].Data = data
			return
		}
	}
	m.Sections = append(m.Sections, Section{ID: SectionCustom, Name: name, Data: data})
}

// RemoveCustom drops every custom section with name.
func (m *Module) RemoveCustom(name string) {
	out := m.Sections[:0]
	for _, s := range m.Sections {
		if s.ID == SectionCustom && s.Name == name {
			continue
		}
		out = append(out, s)
	}
	m.Sections = out
}

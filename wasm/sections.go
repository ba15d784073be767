package wasm

import (
	"fmt"

	ibinary "github.com/wippyai/wasi-virt/internal/binary"
)

// Import is one entry of the import section. Desc holds the raw descriptor
// bytes following the kind byte.
type Import struct {
	Module string
	Name   string
	Kind   byte
	Desc   []byte
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Limits describes memory limits.
type Limits struct {
	Min    uint32
	Max    *uint32
	Shared bool
}

// Global is a defined global with its constant initializer (including the end opcode).
type Global struct {
	Type    ValType
	Mutable bool
	Init    []byte
}

// DataSegment is one entry of the data section.
type DataSegment struct {
	Passive bool
	Memory  uint32
	Offset  []byte // constant expression, active segments only
	Init    []byte
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Imports decodes the import section.
func (m *Module) Imports() ([]Import, error) {
	data, ok := m.Section(SectionImport)
	if !ok {
		return nil, nil
	}
	r := ibinary.NewReader(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, r.WrapError("import", err)
	}
	out := make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		mod, err := r.ReadName()
		if err != nil {
			return nil, r.WrapError("import", err)
		}
		name, err := r.ReadName()
		if err != nil {
			return nil, r.WrapError("import", err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("import", err)
		}
		start := r.Position()
		if err := skipImportDesc(r, kind); err != nil {
			return nil, r.WrapError("import", err)
		}
		out = append(out, Import{Module: mod, Name: name, Kind: kind, Desc: r.Slice(start, r.Position())})
	}
	return out, nil
}

func skipImportDesc(r *ibinary.Reader, kind byte) error {
	switch kind {
	case KindFunc:
		_, err := r.ReadU32()
		return err
	case KindTable:
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		_, err := readLimits(r)
		return err
	case KindMemory:
		_, err := readLimits(r)
		return err
	case KindGlobal:
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		_, err := r.ReadByte()
		return err
	case KindTag:
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		_, err := r.ReadU32()
		return err
	}
	return fmt.Errorf("invalid import kind 0x%02x", kind)
}

// EncodeImports builds an import section payload.
func EncodeImports(imports []Import) []byte {
	w := ibinary.NewWriter()
	w.WriteU32(uint32(len(imports)))
	for _, imp := range imports {
		w.WriteName(imp.Module)
		w.WriteName(imp.Name)
		w.Byte(imp.Kind)
		w.WriteBytes(imp.Desc)
	}
	return w.Bytes()
}

// FuncImportDesc returns the descriptor bytes of a function import.
func FuncImportDesc(typeIdx uint32) []byte {
	return ibinary.AppendU32(nil, typeIdx)
}

// Exports decodes the export section.
func (m *Module) Exports() ([]Export, error) {
	data, ok := m.Section(SectionExport)
	if !ok {
		return nil, nil
	}
	r := ibinary.NewReader(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, r.WrapError("export", err)
	}
	out := make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return nil, r.WrapError("export", err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("export", err)
		}
		if kind > KindTag {
			return nil, r.WrapError("export", fmt.Errorf("invalid export kind 0x%02x", kind))
		}
		idx, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("export", err)
		}
		out = append(out, Export{Name: name, Kind: kind, Index: idx})
	}
	return out, nil
}

// SetExports replaces the export section.
func (m *Module) SetExports(exports []Export) {
	w := ibinary.NewWriter()
	w.WriteU32(uint32(len(exports)))
	for _, e := range exports {
		w.WriteName(e.Name)
		w.Byte(e.Kind)
		w.WriteU32(e.Index)
	}
	m.SetSection(SectionExport, w.Bytes())
}

// Memories decodes the memory section.
func (m *Module) Memories() ([]Limits, error) {
	data, ok := m.Section(SectionMemory)
	if !ok {
		return nil, nil
	}
	r := ibinary.NewReader(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, r.WrapError("memory", err)
	}
	out := make([]Limits, 0, count)
	for i := uint32(0); i < count; i++ {
		l, err := readLimits(r)
		if err != nil {
			return nil, r.WrapError("memory", err)
		}
		out = append(out, l)
	}
	return out, nil
}

// SetMemories replaces the memory section.
func (m *Module) SetMemories(mems []Limits) {
	w := ibinary.NewWriter()
	w.WriteU32(uint32(len(mems)))
	for _, l := range mems {
		writeLimits(w, l)
	}
	m.SetSection(SectionMemory, w.Bytes())
}

func readLimits(r *ibinary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&^0x03 != 0 {
		return Limits{}, fmt.Errorf("unsupported limits flags 0x%02x", flags)
	}
	var l Limits
	l.Shared = flags&0x02 != 0
	if l.Min, err = r.ReadU32(); err != nil {
		return Limits{}, err
	}
	if flags&0x01 != 0 {
		max, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		l.Max = &max
	}
	return l, nil
}

func writeLimits(w *ibinary.Writer, l Limits) {
	var flags byte
	if l.Max != nil {
		flags |= 0x01
	}
	if l.Shared {
		flags |= 0x02
	}
	w.Byte(flags)
	w.WriteU32(l.Min)
	if l.Max != nil {
		w.WriteU32(*l.Max)
	}
}

// Globals decodes the defined globals (imported globals are not included).
func (m *Module) Globals() ([]Global, error) {
	data, ok := m.Section(SectionGlobal)
	if !ok {
		return nil, nil
	}
	r := ibinary.NewReader(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, r.WrapError("global", err)
	}
	out := make([]Global, 0, count)
	for i := uint32(0); i < count; i++ {
		vt, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("global", err)
		}
		mut, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("global", err)
		}
		init, err := readConstExpr(r)
		if err != nil {
			return nil, r.WrapError("global", err)
		}
		out = append(out, Global{Type: ValType(vt), Mutable: mut == 1, Init: init})
	}
	return out, nil
}

// SetGlobals replaces the global section.
func (m *Module) SetGlobals(globals []Global) {
	w := ibinary.NewWriter()
	w.WriteU32(uint32(len(globals)))
	for _, g := range globals {
		w.Byte(byte(g.Type))
		if g.Mutable {
			w.Byte(1)
		} else {
			w.Byte(0)
		}
		w.WriteBytes(g.Init)
	}
	m.SetSection(SectionGlobal, w.Bytes())
}

// Data decodes the data section.
func (m *Module) Data() ([]DataSegment, error) {
	data, ok := m.Section(SectionData)
	if !ok {
		return nil, nil
	}
	r := ibinary.NewReader(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, r.WrapError("data", err)
	}
	out := make([]DataSegment, 0, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("data", err)
		}
		if flags > 2 {
			return nil, r.WrapError("data", fmt.Errorf("invalid data segment flags %d", flags))
		}
		var seg DataSegment
		seg.Passive = flags == 1
		if flags == 2 {
			if seg.Memory, err = r.ReadU32(); err != nil {
				return nil, r.WrapError("data", err)
			}
		}
		if flags != 1 {
			if seg.Offset, err = readConstExpr(r); err != nil {
				return nil, r.WrapError("data", err)
			}
		}
		n, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("data", err)
		}
		if seg.Init, err = r.ReadBytes(int(n)); err != nil {
			return nil, r.WrapError("data", err)
		}
		out = append(out, seg)
	}
	return out, nil
}

// SetData replaces the data section and keeps an existing data count section in sync.
func (m *Module) SetData(segs []DataSegment) {
	w := ibinary.NewWriter()
	w.WriteU32(uint32(len(segs)))
	for _, s := range segs {
		switch {
		case s.Passive:
			w.WriteU32(1)
		case s.Memory != 0:
			w.WriteU32(2)
			w.WriteU32(s.Memory)
			w.WriteBytes(s.Offset)
		default:
			w.WriteU32(0)
			w.WriteBytes(s.Offset)
		}
		w.WriteVec(s.Init)
	}
	m.SetSection(SectionData, w.Bytes())
	if _, ok := m.Section(SectionDataCount); ok {
		m.SetSection(SectionDataCount, ibinary.AppendU32(nil, uint32(len(segs))))
	}
}

// ActiveOffset returns the constant i32 offset of an active segment.
func (d DataSegment) ActiveOffset() (uint32, bool) {
	if d.Passive {
		return 0, false
	}
	v, ok := ConstI32(d.Offset)
	return uint32(v), ok
}

// ImportedGlobals counts global imports, which precede defined globals in the index space.
func (m *Module) ImportedGlobals() (int, error) {
	imports, err := m.Imports()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, imp := range imports {
		if imp.Kind == KindGlobal {
			n++
		}
	}
	return n, nil
}

// ExportedGlobal resolves an exported global to its position in the defined globals.
func (m *Module) ExportedGlobal(name string) (int, Global, error) {
	exports, err := m.Exports()
	if err != nil {
		return 0, Global{}, err
	}
	for _, e := range exports {
		if e.Name != name {
			continue
		}
		if e.Kind != KindGlobal {
			return 0, Global{}, fmt.Errorf("export %q is not a global", name)
		}
		imported, err := m.ImportedGlobals()
		if err != nil {
			return 0, Global{}, err
		}
		if int(e.Index) < imported {
			return 0, Global{}, fmt.Errorf("export %q refers to an imported global", name)
		}
		globals, err := m.Globals()
		if err != nil {
			return 0, Global{}, err
		}
		idx := int(e.Index) - imported
		if idx >= len(globals) {
			return 0, Global{}, fmt.Errorf("export %q: global index %d out of range", name, e.Index)
		}
		return idx, globals[idx], nil
	}
	return 0, Global{}, fmt.Errorf("no export named %q", name)
}

// EncodeTypes builds a type section payload of plain function types.
func EncodeTypes(types []FuncType) []byte {
	w := ibinary.NewWriter()
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(0x60)
		w.WriteU32(uint32(len(t.Params)))
		for _, p := range t.Params {
			w.Byte(byte(p))
		}
		w.WriteU32(uint32(len(t.Results)))
		for _, r := range t.Results {
			w.Byte(byte(r))
		}
	}
	return w.Bytes()
}

// EncodeFunctions builds a function section payload from type indices.
func EncodeFunctions(typeIdx []uint32) []byte {
	w := ibinary.NewWriter()
	w.WriteU32(uint32(len(typeIdx)))
	for _, idx := range typeIdx {
		w.WriteU32(idx)
	}
	return w.Bytes()
}

// EncodeCode builds a code section payload. Each body is the local
// declarations followed by instructions and the final end opcode.
func EncodeCode(bodies [][]byte) []byte {
	w := ibinary.NewWriter()
	w.WriteU32(uint32(len(bodies)))
	for _, b := range bodies {
		w.WriteVec(b)
	}
	return w.Bytes()
}

package component

import (
	"encoding/binary"
	"fmt"

	ibinary "github.com/wippyai/wasi-virt/internal/binary"
)

// Top-level component section IDs read by this package.
const (
	SectionCustom byte = 0x00
	SectionImport byte = 0x0A
	SectionExport byte = 0x0B
)

// Extern kinds of import and export descriptors.
const (
	ExternCoreModule byte = 0x00
	ExternFunc       byte = 0x01
	ExternValue      byte = 0x02
	ExternType       byte = 0x03
	ExternComponent  byte = 0x04
	ExternInstance   byte = 0x05
)

// SortCore prefixes a core sort in export sort indices.
const SortCore byte = 0x00

// maxCount bounds vector lengths to prevent OOM from malformed binaries
const maxCount = 100000

// Extern is one top-level import or export of a component.
type Extern struct {
	Name string
	Kind byte
	// Interface is set when Name is a versioned or unversioned interface id.
	Interface *Interface
}

// Surface is the top-level import and export list of a component.
type Surface struct {
	Imports []Extern
	Exports []Extern
}

// IsComponent reports whether data starts with a component preamble.
func IsComponent(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	if data[0] != 0x00 || data[1] != 0x61 || data[2] != 0x73 || data[3] != 0x6D {
		return false
	}
	// version 0x0d followed by layer 1
	return binary.LittleEndian.Uint16(data[4:6]) >= 0x0d && binary.LittleEndian.Uint16(data[6:8]) == 1
}

// Decode reads the top-level imports and exports of a component. Nested
// components and every other section are skipped unparsed.
func Decode(data []byte) (*Surface, error) {
	if !IsComponent(data) {
		return nil, fmt.Errorf("not a component")
	}
	r := ibinary.NewReader(data[8:])
	s := &Surface{}
	for sections := 0; r.Len() > 0; sections++ {
		if sections > maxCount {
			return nil, fmt.Errorf("exceeded maximum section count %d", maxCount)
		}
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		if int(size) > r.Len() {
			return nil, r.WrapError("section", fmt.Errorf("section %d size %d exceeds remaining %d", id, size, r.Len()))
		}
		start := r.Position()
		payload := r.Slice(start, start+int(size))
		if err := r.Skip(int(size)); err != nil {
			return nil, r.WrapError("section", err)
		}

		switch id {
		case SectionImport:
			imports, err := decodeImports(payload)
			if err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
			s.Imports = append(s.Imports, imports...)
		case SectionExport:
			exports, err := decodeExports(payload)
			if err != nil {
				return nil, fmt.Errorf("export section: %w", err)
			}
			s.Exports = append(s.Exports, exports...)
		}
	}
	return s, nil
}

func decodeImports(data []byte) ([]Extern, error) {
	r := ibinary.NewReader(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if count > maxCount {
		return nil, fmt.Errorf("import count %d exceeds maximum", count)
	}
	out := make([]Extern, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readExternName(r)
		if err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
		kind, err := skipExternDesc(r)
		if err != nil {
			return nil, fmt.Errorf("import %d (%s): %w", i, name, err)
		}
		out = append(out, newExtern(name, kind))
	}
	return out, nil
}

func decodeExports(data []byte) ([]Extern, error) {
	r := ibinary.NewReader(data)
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if count > maxCount {
		return nil, fmt.Errorf("export count %d exceeds maximum", count)
	}
	out := make([]Extern, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readExternName(r)
		if err != nil {
			return nil, fmt.Errorf("export %d: %w", i, err)
		}
		sort, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("export %d: read sort: %w", i, err)
		}
		if sort == SortCore {
			if _, err := r.ReadByte(); err != nil {
				return nil, fmt.Errorf("export %d: read core sort: %w", i, err)
			}
		}
		if _, err := r.ReadU32(); err != nil {
			return nil, fmt.Errorf("export %d: read sort index: %w", i, err)
		}
		// optional ascribed type
		has, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("export %d: read type ascription: %w", i, err)
		}
		if has == 0x01 {
			if _, err := skipExternDesc(r); err != nil {
				return nil, fmt.Errorf("export %d: %w", i, err)
			}
		} else if has != 0x00 {
			return nil, fmt.Errorf("export %d: invalid type ascription 0x%02x", i, has)
		}
		out = append(out, newExtern(name, sort))
	}
	return out, nil
}

// readExternName reads importname' / exportname'. The 0x01 form carries a
// trailing version suffix that is appended to the name.
func readExternName(r *ibinary.Reader) (string, error) {
	form, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("read name kind: %w", err)
	}
	name, err := r.ReadName()
	if err != nil {
		return "", fmt.Errorf("read name: %w", err)
	}
	switch form {
	case 0x00:
		return name, nil
	case 0x01:
		suffix, err := r.ReadName()
		if err != nil {
			return "", fmt.Errorf("read version suffix: %w", err)
		}
		return name + suffix, nil
	}
	return "", fmt.Errorf("unknown name kind 0x%02x", form)
}

func skipExternDesc(r *ibinary.Reader) (byte, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read extern kind: %w", err)
	}
	switch kind {
	case ExternCoreModule:
		extra, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if extra != 0x11 {
			return 0, fmt.Errorf("expected 0x11 after 0x00, got 0x%02x", extra)
		}
		return kind, r.SkipLEB()
	case ExternFunc, ExternComponent, ExternInstance:
		return kind, r.SkipLEB()
	case ExternValue, ExternType:
		bound, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch {
		case bound == 0x00:
			return kind, r.SkipLEB()
		case bound == 0x01 && kind == ExternType:
			// sub resource
			return kind, nil
		case bound == 0x01:
			return kind, r.SkipLEB()
		}
		return 0, fmt.Errorf("unknown bound kind 0x%02x", bound)
	}
	return 0, fmt.Errorf("unknown extern kind 0x%02x", kind)
}

func newExtern(name string, kind byte) Extern {
	e := Extern{Name: name, Kind: kind}
	if iface, err := ParseInterface(name); err == nil {
		e.Interface = &iface
	}
	return e
}

// Imports returns the interface imports of a component.
func Imports(data []byte) (*ImportSet, error) {
	s, err := Decode(data)
	if err != nil {
		return nil, err
	}
	set := NewImportSet()
	for _, imp := range s.Imports {
		if imp.Interface != nil {
			set.Add(*imp.Interface)
		}
	}
	return set, nil
}

// Package testmodule builds small synthetic binaries for tests: adapter
// templates shaped like the real adapter and components that only carry
// an import and export list.
package testmodule

import (
	"sort"
	"strings"

	ibinary "github.com/wippyai/wasi-virt/internal/binary"
	"github.com/wippyai/wasi-virt/wasm"
)

// Template layout constants.
const (
	SlotAddr  = 1024
	StaticLen = 64
	HeapBase  = 8192
)

// AdapterOptions shapes a synthetic adapter template.
type AdapterOptions struct {
	// Exports maps an interface id to the functions exported for it.
	// Each becomes a core export named "<interface>#<func>".
	Exports map[string][]string
	// Imports maps an interface id to the functions imported from the host.
	Imports map[string][]string
	// MaxPages caps memory when non-zero.
	MaxPages uint32
	// NoHeapBase omits the __heap_base export.
	NoHeapBase bool
	// Forwards are host imports re-exported through a trampoline that
	// passes its arguments straight to the import. Setting any also adds
	// a cabi_realloc export that hands out fresh memory pages.
	Forwards []Forward
}

// Forward describes one trampoline export "<Interface>#<Func>" calling
// the import of the same name.
type Forward struct {
	Interface string
	Func      string
	Params    []wasm.ValType
	Results   []wasm.ValType
}

var reallocType = wasm.FuncType{
	Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI32},
	Results: []wasm.ValType{wasm.ValI32},
}

// Adapter builds a core module with a memory, a virt_state slot inside a
// static data segment, and no-op functions for every export.
func Adapter(opts AdapterOptions) []byte {
	m := &wasm.Module{}
	types := []wasm.FuncType{{}}
	for _, f := range opts.Forwards {
		types = append(types, wasm.FuncType{Params: f.Params, Results: f.Results})
	}
	if len(opts.Forwards) > 0 {
		types = append(types, reallocType)
	}
	m.SetSection(wasm.SectionType, wasm.EncodeTypes(types))

	var imports []wasm.Import
	for _, iface := range sortedKeys(opts.Imports) {
		for _, fn := range opts.Imports[iface] {
			imports = append(imports, wasm.Import{Module: iface, Name: fn, Kind: wasm.KindFunc, Desc: wasm.FuncImportDesc(0)})
		}
	}
	forwardBase := uint32(len(imports))
	for i, f := range opts.Forwards {
		imports = append(imports, wasm.Import{Module: f.Interface, Name: f.Func, Kind: wasm.KindFunc, Desc: wasm.FuncImportDesc(uint32(i + 1))})
	}
	if len(imports) > 0 {
		m.SetSection(wasm.SectionImport, wasm.EncodeImports(imports))
	}

	var names []string
	for _, iface := range sortedKeys(opts.Exports) {
		for _, fn := range opts.Exports[iface] {
			names = append(names, iface+"#"+fn)
		}
	}
	funcTypes := make([]uint32, len(names))
	bodies := make([][]byte, len(names))
	for i := range names {
		bodies[i] = []byte{0x00, wasm.OpEnd}
	}
	for i, f := range opts.Forwards {
		names = append(names, f.Interface+"#"+f.Func)
		funcTypes = append(funcTypes, uint32(i+1))
		bodies = append(bodies, trampoline(len(f.Params), forwardBase+uint32(i)))
	}
	if len(opts.Forwards) > 0 {
		names = append(names, "cabi_realloc")
		funcTypes = append(funcTypes, uint32(len(types)-1))
		// grow by one page and return its base address
		bodies = append(bodies, []byte{0x00, wasm.OpI32Const, 0x01, 0x40, 0x00, wasm.OpI32Const, 0x10, 0x74, wasm.OpEnd})
	}
	m.SetSection(wasm.SectionFunction, wasm.EncodeFunctions(funcTypes))

	mem := wasm.Limits{Min: 1}
	if opts.MaxPages > 0 {
		max := opts.MaxPages
		mem.Max = &max
	}
	m.SetMemories([]wasm.Limits{mem})
	m.SetGlobals([]wasm.Global{
		{Type: wasm.ValI32, Init: wasm.I32Const(HeapBase)},
		{Type: wasm.ValI32, Init: wasm.I32Const(SlotAddr)},
	})

	exports := []wasm.Export{{Name: "memory", Kind: wasm.KindMemory}}
	if !opts.NoHeapBase {
		exports = append(exports, wasm.Export{Name: "__heap_base", Kind: wasm.KindGlobal, Index: 0})
	}
	exports = append(exports, wasm.Export{Name: "virt_state", Kind: wasm.KindGlobal, Index: 1})
	for i, n := range names {
		exports = append(exports, wasm.Export{Name: n, Kind: wasm.KindFunc, Index: uint32(len(imports) + i)})
	}
	m.SetExports(exports)
	m.SetSection(wasm.SectionCode, wasm.EncodeCode(bodies))

	static := make([]byte, StaticLen)
	copy(static[16:], "wasi-virt static")
	m.SetData([]wasm.DataSegment{
		{Offset: wasm.I32Const(0), Init: static},
		{Offset: wasm.I32Const(SlotAddr), Init: make([]byte, 8)},
	})
	return m.Encode()
}

func trampoline(params int, callee uint32) []byte {
	w := ibinary.NewWriter()
	w.Byte(0x00) // no locals
	for i := 0; i < params; i++ {
		w.Byte(0x20) // local.get
		w.WriteU32(uint32(i))
	}
	w.Byte(0x10) // call
	w.WriteU32(callee)
	w.Byte(wasm.OpEnd)
	return w.Bytes()
}

// Component builds a component whose imports and exports are instances
// with the given names. Names may carry a version (wasi:cli/stdin@0.2.3).
func Component(imports, exports []string) []byte {
	w := ibinary.NewWriter()
	w.WriteBytes([]byte{0x00, 0x61, 0x73, 0x6D, 0x0d, 0x00, 0x01, 0x00})

	// one empty instance type so the descriptors have something to point at
	types := ibinary.NewWriter()
	types.WriteU32(1)
	types.Byte(0x42) // instance type
	types.WriteU32(0)
	w.Byte(0x07)
	w.WriteVec(types.Bytes())

	if len(imports) > 0 {
		sec := ibinary.NewWriter()
		sec.WriteU32(uint32(len(imports)))
		for _, name := range imports {
			sec.Byte(0x00)
			sec.WriteName(name)
			sec.Byte(0x05) // instance
			sec.WriteU32(0)
		}
		w.Byte(0x0A)
		w.WriteVec(sec.Bytes())
	}

	if len(exports) > 0 {
		sec := ibinary.NewWriter()
		sec.WriteU32(uint32(len(exports)))
		for i, name := range exports {
			sec.Byte(0x00)
			sec.WriteName(name)
			sec.Byte(0x05) // instance sort
			sec.WriteU32(uint32(i))
			sec.Byte(0x01) // ascribed type
			sec.Byte(0x05)
			sec.WriteU32(0)
		}
		w.Byte(0x0B)
		w.WriteVec(sec.Bytes())
	}
	return w.Bytes()
}

// ExportNames lists the interface-qualified function exports of a module.
func ExportNames(module []byte) ([]string, error) {
	m, err := wasm.Parse(module)
	if err != nil {
		return nil, err
	}
	exports, err := m.Exports()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range exports {
		if e.Kind == wasm.KindFunc && strings.Contains(e.Name, "#") {
			out = append(out, e.Name)
		}
	}
	return out, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

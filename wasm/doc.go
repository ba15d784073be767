// Package wasm edits core WebAssembly modules at section granularity.
//
// A module is parsed into its raw sections. Typed accessors decode the
// handful of sections the adapter generator touches (imports, exports,
// memories, globals, data) and setters re-encode only the section they
// replace, so every untouched section survives byte-for-byte:
//
//	m, err := wasm.Parse(data)
//	if err != nil {
//	    return err
//	}
//	exports, _ := m.Exports()
//	m.SetExports(exports[:1])
//	out := m.Encode()
//
// Function bodies are never decoded.
package wasm

package state

import (
	"encoding/binary"
	"fmt"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/wasm"
)

// Adapter template symbols.
const (
	// StateGlobal is the exported i32 global holding the address of the
	// 8-byte [ptr u32][len u32] slot the adapter reads its payload from.
	StateGlobal = "virt_state"
	// HeapBaseGlobal is raised so the allocator starts above the payload.
	HeapBaseGlobal = "__heap_base"

	slotSize     = 8
	payloadAlign = 8
	heapAlign    = 16
)

type slot struct {
	segment int    // index of the data segment holding the slot
	offset  uint32 // slot position inside that segment
	ptr     uint32
	length  uint32
}

// Splice embeds payload into an adapter template and returns the new module.
// A previously spliced payload is replaced, so splicing the same payload
// twice yields identical bytes. module is never modified.
func Splice(module, payload []byte) ([]byte, error) {
	m, err := wasm.Parse(module)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "parse adapter template")
	}
	segs, err := m.Data()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "read data section")
	}
	sl, err := findSlot(m, segs)
	if err != nil {
		return nil, err
	}

	var base uint64
	if prev := findPayload(segs, sl); prev >= 0 {
		// reuse the previous address so re-splicing is stable
		base = uint64(sl.ptr)
		segs = append(segs[:prev:prev], segs[prev+1:]...)
		if prev < sl.segment {
			sl.segment--
		}
	} else {
		for _, s := range segs {
			if off, ok := s.ActiveOffset(); ok && s.Memory == 0 {
				if e := uint64(off) + uint64(len(s.Init)); e > base {
					base = e
				}
			}
		}
		// stay clear of the stack that sits between static data and the heap
		if hb, ok, err := heapBase(m); err != nil {
			return nil, err
		} else if ok && uint64(hb) > base {
			base = uint64(hb)
		}
	}
	ptr := alignUp(base, payloadAlign)
	top := alignUp(ptr+uint64(len(payload)), heapAlign)
	if top >= 1<<32 {
		return nil, errors.OutOfBounds(errors.PhaseEncode, []string{"memory"}, int(ptr), len(payload))
	}

	patched := append([]byte(nil), segs[sl.segment].Init...)
	binary.LittleEndian.PutUint32(patched[sl.offset:], uint32(ptr))
	binary.LittleEndian.PutUint32(patched[sl.offset+4:], uint32(len(payload)))
	segs[sl.segment].Init = patched
	segs = append(segs, wasm.DataSegment{
		Offset: wasm.I32Const(int32(uint32(ptr))),
		Init:   append([]byte(nil), payload...),
	})
	m.SetData(segs)

	if err := growMemory(m, top); err != nil {
		return nil, err
	}
	if err := raiseHeapBase(m, uint32(top)); err != nil {
		return nil, err
	}
	return m.Encode(), nil
}

// Extract returns a copy of the payload spliced into module.
func Extract(module []byte) ([]byte, error) {
	m, err := wasm.Parse(module)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "parse adapter")
	}
	segs, err := m.Data()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "read data section")
	}
	sl, err := findSlot(m, segs)
	if err != nil {
		return nil, err
	}
	idx := findPayload(segs, sl)
	if idx < 0 {
		return nil, errors.NotFound(errors.PhaseDecode, "state payload in", StateGlobal)
	}
	return append([]byte(nil), segs[idx].Init...), nil
}

func findSlot(m *wasm.Module, segs []wasm.DataSegment) (slot, error) {
	_, g, err := m.ExportedGlobal(StateGlobal)
	if err != nil {
		return slot{}, errors.Wrap(errors.PhaseEncode, errors.KindNotFound, err, "adapter template has no state global")
	}
	addr, ok := wasm.ConstI32(g.Init)
	if !ok || g.Type != wasm.ValI32 {
		return slot{}, errors.InvalidData(errors.PhaseEncode, []string{StateGlobal}, "state global must be an i32 constant")
	}
	for i, s := range segs {
		off, ok := s.ActiveOffset()
		if !ok || s.Memory != 0 {
			continue
		}
		a := uint64(uint32(addr))
		if a >= uint64(off) && a+slotSize <= uint64(off)+uint64(len(s.Init)) {
			rel := uint32(a - uint64(off))
			return slot{
				segment: i,
				offset:  rel,
				ptr:     binary.LittleEndian.Uint32(s.Init[rel:]),
				length:  binary.LittleEndian.Uint32(s.Init[rel+4:]),
			}, nil
		}
	}
	return slot{}, errors.InvalidData(errors.PhaseEncode, []string{StateGlobal},
		fmt.Sprintf("no active data segment covers state slot at 0x%x", uint32(addr)))
}

// findPayload locates the segment the slot points at, or -1.
func findPayload(segs []wasm.DataSegment, sl slot) int {
	if sl.length == 0 && sl.ptr == 0 {
		return -1
	}
	for i, s := range segs {
		if i == sl.segment {
			continue
		}
		if off, ok := s.ActiveOffset(); ok && s.Memory == 0 && off == sl.ptr && uint32(len(s.Init)) == sl.length {
			return i
		}
	}
	return -1
}

func growMemory(m *wasm.Module, top uint64) error {
	mems, err := m.Memories()
	if err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "read memory section")
	}
	if len(mems) == 0 {
		return errors.InvalidData(errors.PhaseEncode, []string{"memory"}, "adapter template defines no memory")
	}
	pages := (top + wasm.PageSize - 1) / wasm.PageSize
	if mems[0].Max != nil && uint64(*mems[0].Max) < pages {
		return errors.New(errors.PhaseEncode, errors.KindOutOfBounds).
			Path("memory").
			Detail("payload needs %d pages but memory maximum is %d", pages, *mems[0].Max).
			Build()
	}
	if uint64(mems[0].Min) < pages {
		mems[0].Min = uint32(pages)
		m.SetMemories(mems)
	}
	return nil
}

func heapBase(m *wasm.Module) (uint32, bool, error) {
	_, g, err := m.ExportedGlobal(HeapBaseGlobal)
	if err != nil {
		// templates without an exported heap base manage their own allocator
		return 0, false, nil
	}
	v, ok := wasm.ConstI32(g.Init)
	if !ok {
		return 0, false, errors.InvalidData(errors.PhaseEncode, []string{HeapBaseGlobal}, "heap base must be an i32 constant")
	}
	return uint32(v), true, nil
}

func raiseHeapBase(m *wasm.Module, top uint32) error {
	hb, ok, err := heapBase(m)
	if err != nil || !ok || hb >= top {
		return err
	}
	idx, _, err := m.ExportedGlobal(HeapBaseGlobal)
	if err != nil {
		return err
	}
	globals, err := m.Globals()
	if err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "read global section")
	}
	globals[idx].Init = wasm.I32Const(int32(top))
	m.SetGlobals(globals)
	return nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

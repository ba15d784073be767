package wasm

import (
	"fmt"

	ibinary "github.com/wippyai/wasi-virt/internal/binary"
)

// readConstExpr copies a constant expression up to and including its end opcode.
func readConstExpr(r *ibinary.Reader) ([]byte, error) {
	start := r.Position()
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if op == OpEnd {
			return r.Slice(start, r.Position()), nil
		}
		if err := skipConstImmediate(r, op); err != nil {
			return nil, err
		}
	}
}

func skipConstImmediate(r *ibinary.Reader, op byte) error {
	switch op {
	case OpI32Const, OpI64Const, OpGlobalGet, OpRefNull, OpRefFunc:
		return r.SkipLEB()
	case OpF32Const:
		return r.Skip(4)
	case OpF64Const:
		return r.Skip(8)
	case OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
		return nil
	case OpPrefixSIMD:
		sub, err := r.ReadU32()
		if err != nil {
			return err
		}
		if sub == 12 { // v128.const
			return r.Skip(16)
		}
		return fmt.Errorf("unsupported SIMD op %d in constant expression", sub)
	}
	return fmt.Errorf("unsupported opcode 0x%02x in constant expression", op)
}

// ConstI32 evaluates an expression of the form i32.const N; end.
func ConstI32(expr []byte) (int32, bool) {
	if len(expr) < 3 || expr[0] != OpI32Const || expr[len(expr)-1] != OpEnd {
		return 0, false
	}
	r := ibinary.NewReader(expr[1 : len(expr)-1])
	v, err := r.ReadS32()
	if err != nil || r.Len() != 0 {
		return 0, false
	}
	return v, true
}

// I32Const encodes i32.const v; end.
func I32Const(v int32) []byte {
	out := []byte{OpI32Const}
	out = ibinary.AppendS64(out, int64(v))
	return append(out, OpEnd)
}

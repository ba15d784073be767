package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"
	"slices"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasi-virt/errors"
)

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

type paramKind uint8

const (
	paramScalar paramKind = iota
	paramBytes
	paramString
)

type resultKind uint8

const (
	resultNone resultKind = iota
	resultScalar
	resultBytes
	resultRecord
)

type param struct {
	kind paramKind
	typ  reflect.Type
}

// lowering adapts one Go entry point to a core function signature.
type lowering struct {
	fn      reflect.Value
	params  []param
	result  resultKind
	flatIn  []api.ValueType
	flatOut []api.ValueType
}

// lower checks that fn takes a context first and only flat-encodable
// values after it.
func lower(fn any) (*lowering, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("binding is %s, not a function", t)
	}
	if t.NumIn() == 0 || t.In(0) != contextType {
		return nil, fmt.Errorf("binding %s does not take a context first", t)
	}

	l := &lowering{fn: v}
	for i := 1; i < t.NumIn(); i++ {
		in := t.In(i)
		switch {
		case isBytes(in):
			l.params = append(l.params, param{kind: paramBytes, typ: in})
			l.flatIn = append(l.flatIn, api.ValueTypeI32, api.ValueTypeI32)
		case in.Kind() == reflect.String:
			l.params = append(l.params, param{kind: paramString, typ: in})
			l.flatIn = append(l.flatIn, api.ValueTypeI32, api.ValueTypeI32)
		default:
			vt, ok := scalarType(in)
			if !ok {
				return nil, fmt.Errorf("parameter %d of type %s cannot be lowered", i, in)
			}
			l.params = append(l.params, param{kind: paramScalar, typ: in})
			l.flatIn = append(l.flatIn, vt)
		}
	}

	switch t.NumOut() {
	case 0:
		l.result = resultNone
	case 1:
		out := t.Out(0)
		switch {
		case isBytes(out) || out.Kind() == reflect.String:
			l.result = resultBytes
			l.flatIn = append(l.flatIn, api.ValueTypeI32)
		default:
			if vt, ok := scalarType(out); ok {
				l.result = resultScalar
				l.flatOut = []api.ValueType{vt}
				break
			}
			if n, ok := leafCount(out); ok && n > 1 {
				l.result = resultRecord
				l.flatIn = append(l.flatIn, api.ValueTypeI32)
				break
			}
			return nil, fmt.Errorf("result of type %s cannot be lowered", out)
		}
	default:
		return nil, fmt.Errorf("binding %s has %d results", t, t.NumOut())
	}
	return l, nil
}

// matches reports whether the lowered signature equals the declared one.
func (l *lowering) matches(params, results []api.ValueType) bool {
	return slices.Equal(l.flatIn, params) && slices.Equal(l.flatOut, results)
}

func (l *lowering) call(ctx context.Context, mod api.Module, stack []uint64) {
	args := make([]reflect.Value, 0, len(l.params)+1)
	args = append(args, reflect.ValueOf(ctx))
	i := 0
	for _, p := range l.params {
		switch p.kind {
		case paramScalar:
			args = append(args, liftScalar(stack[i], p.typ))
			i++
		default:
			data := readBytes(mod, uint32(stack[i]), uint32(stack[i+1]))
			v := reflect.New(p.typ).Elem()
			if p.kind == paramString {
				v.SetString(string(data))
			} else {
				v.SetBytes(data)
			}
			args = append(args, v)
			i += 2
		}
	}

	out := l.fn.Call(args)
	switch l.result {
	case resultScalar:
		stack[0] = lowerScalar(out[0])
	case resultBytes:
		storeBytes(ctx, mod, uint32(stack[i]), out[0])
	case resultRecord:
		buf := make([]byte, sizeOf(out[0].Type()))
		putRecord(buf, 0, out[0])
		write(mod, uint32(stack[i]), buf)
	}
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

func scalarType(t reflect.Type) (api.ValueType, bool) {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return api.ValueTypeI32, true
	case reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint:
		return api.ValueTypeI64, true
	case reflect.Float32:
		return api.ValueTypeF32, true
	case reflect.Float64:
		return api.ValueTypeF64, true
	}
	return 0, false
}

// leafCount counts the scalars of a record or fixed array.
func leafCount(t reflect.Type) (int, bool) {
	if _, ok := scalarType(t); ok {
		return 1, true
	}
	switch t.Kind() {
	case reflect.Struct:
		total := 0
		for i := 0; i < t.NumField(); i++ {
			n, ok := leafCount(t.Field(i).Type)
			if !ok {
				return 0, false
			}
			total += n
		}
		return total, true
	case reflect.Array:
		n, ok := leafCount(t.Elem())
		return n * t.Len(), ok
	}
	return 0, false
}

func liftScalar(u uint64, t reflect.Type) reflect.Value {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		v.SetBool(uint32(u) != 0)
	case reflect.Int8, reflect.Int16, reflect.Int32:
		v.SetInt(int64(int32(uint32(u))))
	case reflect.Int64, reflect.Int:
		v.SetInt(int64(u))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		v.SetUint(uint64(uint32(u)))
	case reflect.Uint64, reflect.Uint:
		v.SetUint(u)
	case reflect.Float32:
		v.SetFloat(float64(api.DecodeF32(u)))
	case reflect.Float64:
		v.SetFloat(api.DecodeF64(u))
	}
	return v
}

func lowerScalar(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return uint64(uint32(int32(v.Int())))
	case reflect.Int64, reflect.Int:
		return uint64(v.Int())
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	default:
		return v.Uint()
	}
}

func alignOf(t reflect.Type) int {
	switch t.Kind() {
	case reflect.Struct:
		a := 1
		for i := 0; i < t.NumField(); i++ {
			a = max(a, alignOf(t.Field(i).Type))
		}
		return a
	case reflect.Array:
		return alignOf(t.Elem())
	}
	return scalarSize(t)
}

func sizeOf(t reflect.Type) int {
	switch t.Kind() {
	case reflect.Struct:
		off := 0
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i).Type
			off = alignTo(off, alignOf(f)) + sizeOf(f)
		}
		return alignTo(off, alignOf(t))
	case reflect.Array:
		return t.Len() * sizeOf(t.Elem())
	}
	return scalarSize(t)
}

func scalarSize(t reflect.Type) int {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return 4
	}
	return 8
}

func alignTo(off, align int) int {
	return (off + align - 1) &^ (align - 1)
}

// putRecord lays v out at off using component model alignment.
func putRecord(buf []byte, off int, v reflect.Value) {
	t := v.Type()
	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i).Type
			off = alignTo(off, alignOf(f))
			putRecord(buf, off, v.Field(i))
			off += sizeOf(f)
		}
	case reflect.Array:
		step := sizeOf(t.Elem())
		for i := 0; i < t.Len(); i++ {
			putRecord(buf, off+i*step, v.Index(i))
		}
	default:
		u := lowerScalar(v)
		switch scalarSize(t) {
		case 1:
			buf[off] = byte(u)
		case 2:
			binary.LittleEndian.PutUint16(buf[off:], uint16(u))
		case 4:
			binary.LittleEndian.PutUint32(buf[off:], uint32(u))
		default:
			binary.LittleEndian.PutUint64(buf[off:], u)
		}
	}
}

// storeBytes copies a string or byte list into guest memory obtained from
// cabi_realloc and writes its pointer and length at retptr.
func storeBytes(ctx context.Context, mod api.Module, retptr uint32, v reflect.Value) {
	var data []byte
	if v.Kind() == reflect.String {
		data = []byte(v.String())
	} else {
		data = v.Bytes()
	}
	var ptr uint32
	if len(data) > 0 {
		realloc := mod.ExportedFunction("cabi_realloc")
		if realloc == nil {
			panic(&errors.Trap{Subsystem: "runtime", Op: "lower", Reason: "module does not export cabi_realloc"})
		}
		res, err := realloc.Call(ctx, 0, 0, 1, uint64(len(data)))
		if err != nil {
			panic(err)
		}
		ptr = uint32(res[0])
		write(mod, ptr, data)
	}
	var pair [8]byte
	binary.LittleEndian.PutUint32(pair[:4], ptr)
	binary.LittleEndian.PutUint32(pair[4:], uint32(len(data)))
	write(mod, retptr, pair[:])
}

func readBytes(mod api.Module, ptr, n uint32) []byte {
	data, ok := mod.Memory().Read(ptr, n)
	if !ok {
		panic(&errors.Trap{Subsystem: "runtime", Op: "lift", Reason: fmt.Sprintf("range %d+%d outside memory", ptr, n)})
	}
	return append([]byte(nil), data...)
}

func write(mod api.Module, ptr uint32, data []byte) {
	if !mod.Memory().Write(ptr, data) {
		panic(&errors.Trap{Subsystem: "runtime", Op: "lower", Reason: fmt.Sprintf("range %d+%d outside memory", ptr, len(data))})
	}
}

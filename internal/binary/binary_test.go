package binary

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReaderReadByte(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	r := NewReader(data)

	for i, want := range data {
		if r.Position() != i {
			t.Errorf("position before read %d: got %d, want %d", i, r.Position(), i)
		}
		b, err := r.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte %d: %v", i, err)
		}
		if b != want {
			t.Errorf("ReadByte %d: got 0x%02x, want 0x%02x", i, b, want)
		}
	}

	_, err := r.ReadByte()
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReaderReadBytesCopies(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	r := NewReader(data)

	got, err := r.ReadBytes(3)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	got[0] = 0xff
	if data[0] != 0x01 {
		t.Error("ReadBytes must not alias the input")
	}

	if _, err := r.ReadBytes(10); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestLEB128RoundTrip(t *testing.T) {
	unsigned := []uint32{0, 1, 127, 128, 255, 624485, 0xFFFFFFFF}
	for _, v := range unsigned {
		w := NewWriter()
		w.WriteU32(v)
		got, err := NewReader(w.Bytes()).ReadU32()
		if err != nil || got != v {
			t.Errorf("u32 %d: got %d, err %v", v, got, err)
		}
	}

	signed := []int32{0, 1, -1, 63, 64, -64, -65, 1 << 20, -(1 << 30), 2147483647, -2147483648}
	for _, v := range signed {
		w := NewWriter()
		w.WriteS32(v)
		got, err := NewReader(w.Bytes()).ReadS32()
		if err != nil || got != v {
			t.Errorf("s32 %d: got %d, err %v", v, got, err)
		}
	}
}

func TestKnownEncodings(t *testing.T) {
	if got := AppendU32(nil, 624485); !bytes.Equal(got, []byte{0xe5, 0x8e, 0x26}) {
		t.Errorf("AppendU32(624485) = %x", got)
	}
	if got := AppendS64(nil, -123456); !bytes.Equal(got, []byte{0xc0, 0xbb, 0x78}) {
		t.Errorf("AppendS64(-123456) = %x", got)
	}
}

func TestReaderOverflow(t *testing.T) {
	r := NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x01})
	if _, err := r.ReadU32(); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
}

func TestReadName(t *testing.T) {
	w := NewWriter()
	w.WriteName("wasi:cli/environment@0.2.3")
	w.WriteVec([]byte{0xff, 0xfe})

	r := NewReader(w.Bytes())
	name, err := r.ReadName()
	if err != nil || name != "wasi:cli/environment@0.2.3" {
		t.Fatalf("ReadName = %q, %v", name, err)
	}
	if _, err := r.ReadName(); err == nil {
		t.Error("expected invalid UTF-8 error")
	}
}

func TestParseError(t *testing.T) {
	r := NewReader([]byte{0x00})
	_, _ = r.ReadByte()
	err := r.WrapError("export", io.ErrUnexpectedEOF)

	var pe *ParseError
	if !errors.As(err, &pe) || pe.Position != 1 || pe.Section != "export" {
		t.Errorf("unexpected ParseError %+v", pe)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("ParseError should unwrap")
	}
}

package state

import (
	"bytes"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

// Payload framing:
//
//	magic "WVST" | u16 version | u16 flags | [32]byte blake3(body) | u32 len(body) | body
//
// body is the CBOR encoded State followed by the blob area. All integers
// are little-endian.
const (
	PayloadVersion uint16 = 1
	headerSize            = 4 + 2 + 2 + 32 + 4
)

var payloadMagic = []byte("WVST")

// Payload flags.
const (
	FlagDebug      uint16 = 1 << 0
	FlagCompressed uint16 = 1 << 1
	FlagFS         uint16 = 1 << 2
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("state: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("state: cbor decoder initialization failed: " + err.Error())
	}
}

// Encode serializes the state. Equal states always produce identical bytes.
func (s *State) Encode() ([]byte, error) {
	index, err := encMode.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "encode state index")
	}

	body := make([]byte, 0, len(index)+len(s.Blob))
	body = append(body, index...)
	body = append(body, s.Blob...)
	digest := blake3.Sum256(body)

	out := make([]byte, headerSize, headerSize+len(body))
	copy(out[0:4], payloadMagic)
	binary.LittleEndian.PutUint16(out[4:6], PayloadVersion)
	binary.LittleEndian.PutUint16(out[6:8], s.flags())
	copy(out[8:40], digest[:])
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(body)))
	return append(out, body...), nil
}

func (s *State) flags() uint16 {
	var f uint16
	if s.Debug {
		f |= FlagDebug
	}
	if s.FS != nil {
		f |= FlagFS
	}
	for _, n := range s.Nodes {
		if n.Kind == NodeFile && n.Codec != CodecNone {
			f |= FlagCompressed
			break
		}
	}
	return f
}

// Decode parses and verifies a payload produced by Encode.
func Decode(payload []byte) (*State, error) {
	if len(payload) < headerSize {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "state payload truncated")
	}
	if !bytes.Equal(payload[0:4], payloadMagic) {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "state payload has bad magic")
	}
	if v := binary.LittleEndian.Uint16(payload[4:6]); v != PayloadVersion {
		return nil, errors.New(errors.PhaseDecode, errors.KindUnsupported).
			Detail("state payload version %d (supported: %d)", v, PayloadVersion).
			Build()
	}
	n := binary.LittleEndian.Uint32(payload[40:44])
	body := payload[headerSize:]
	if uint64(len(body)) != uint64(n) {
		return nil, errors.OutOfBounds(errors.PhaseDecode, []string{"body"}, int(n), len(body))
	}
	if digest := blake3.Sum256(body); !bytes.Equal(digest[:], payload[8:40]) {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "state payload digest mismatch")
	}

	s := &State{}
	rest, err := decMode.UnmarshalFirst(body, s)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "decode state index")
	}
	s.Blob = append([]byte(nil), rest...)
	if s.Strategies == nil {
		s.Strategies = make(map[policy.Subsystem]policy.Strategy)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

// check verifies index references. Children always follow their parent, so
// a valid index cannot contain cycles.
func (s *State) check() error {
	for i, n := range s.Nodes {
		switch n.Kind {
		case NodeDir:
			if n.Count > 0 && (int(n.First) <= i || uint64(n.First)+uint64(n.Count) > uint64(len(s.Nodes))) {
				return errors.InvalidData(errors.PhaseDecode, []string{n.Name}, "directory children out of range")
			}
		case NodeFile:
			if uint64(n.First)+uint64(n.Count) > uint64(len(s.Blob)) {
				return errors.OutOfBounds(errors.PhaseDecode, []string{n.Name}, int(n.First), len(s.Blob))
			}
		case NodeRuntimeFile, NodeSymlink:
		default:
			return errors.InvalidData(errors.PhaseDecode, []string{n.Name}, "unknown node kind")
		}
	}
	if s.FS != nil {
		for _, p := range s.FS.Preopens {
			if int(p.Node) >= len(s.Nodes) {
				return errors.InvalidData(errors.PhaseDecode, []string{p.Path}, "preopen node out of range")
			}
		}
	}
	return nil
}

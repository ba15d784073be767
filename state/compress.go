package state

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how a file's bytes are stored in the blob area. Values
// are part of the payload format.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// textSample bounds how much of a file is inspected to pick a codec.
const textSample = 8 << 10

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("state: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("state: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = fmt.Errorf("data is incompressible")

// selectCodec picks zstd for text-like content and lz4 otherwise.
func selectCodec(data []byte) Codec {
	sample := data
	if len(sample) > textSample {
		sample = sample[:textSample]
		// do not split a trailing rune
		for i := 0; i < utf8.UTFMax && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if utf8.Valid(sample) && bytes.IndexByte(sample, 0) < 0 {
		return CodecZstd
	}
	return CodecLZ4
}

// compress stores data with the best codec, falling back to CodecNone when
// compression does not shrink it.
func compress(data []byte) ([]byte, Codec, error) {
	codec := selectCodec(data)
	var (
		out []byte
		err error
	)
	switch codec {
	case CodecZstd:
		out, err = compressZstd(data)
	default:
		out, err = compressLZ4(data)
	}
	if err == errIncompressible {
		return data, CodecNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, codec, nil
}

func decompress(stored []byte, codec Codec, size int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(stored) != size {
			return nil, fmt.Errorf("stored file: size %d does not match expected %d", len(stored), size)
		}
		return stored, nil
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported codec %d", codec)
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

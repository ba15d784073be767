// Package random implements wasi:random for the adapter.
package random

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	goio "io"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

// MaxRandomBytes limits a single request.
const MaxRandomBytes = 1 << 20

// Random is the adapter's random subsystem.
type Random interface {
	Bytes(n uint64) ([]byte, error)
	U64() (uint64, error)
	InsecureBytes(n uint64) ([]byte, error)
	InsecureU64() (uint64, error)
	InsecureSeed() ([2]uint64, error)
}

// New forwards to source (crypto/rand when nil) for StrategyForward and
// traps otherwise.
func New(strategy policy.Strategy, source goio.Reader) Random {
	if strategy != policy.StrategyForward {
		return deny{}
	}
	if source == nil {
		source = rand.Reader
	}
	return forward{src: source}
}

type forward struct{ src goio.Reader }

func (f forward) Bytes(n uint64) ([]byte, error) {
	if n > MaxRandomBytes {
		n = MaxRandomBytes
	}
	buf := make([]byte, n)
	if _, err := goio.ReadFull(f.src, buf); err != nil {
		return nil, &errors.Trap{Subsystem: "random", Op: "get-random-bytes", Reason: err.Error()}
	}
	return buf, nil
}

func (f forward) U64() (uint64, error) {
	b, err := f.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (f forward) InsecureBytes(n uint64) ([]byte, error) { return f.Bytes(n) }
func (f forward) InsecureU64() (uint64, error)           { return f.U64() }

func (f forward) InsecureSeed() ([2]uint64, error) {
	b, err := f.Bytes(16)
	if err != nil {
		return [2]uint64{}, err
	}
	return [2]uint64{binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:])}, nil
}

type deny struct{}

func (deny) Bytes(uint64) ([]byte, error) {
	return nil, errors.NotAvailable("random", "get-random-bytes")
}

func (deny) U64() (uint64, error) {
	return 0, errors.NotAvailable("random", "get-random-u64")
}

func (deny) InsecureBytes(uint64) ([]byte, error) {
	return nil, errors.NotAvailable("random", "get-insecure-random-bytes")
}

func (deny) InsecureU64() (uint64, error) {
	return 0, errors.NotAvailable("random", "get-insecure-random-u64")
}

func (deny) InsecureSeed() ([2]uint64, error) {
	return [2]uint64{}, errors.NotAvailable("random", "insecure-seed")
}

// RandomHost exposes Random to the guest.
type RandomHost struct {
	r Random
}

func NewRandomHost(r Random) *RandomHost { return &RandomHost{r: r} }

func (h *RandomHost) GetRandomBytes(_ context.Context, n uint64) []byte {
	b, err := h.r.Bytes(n)
	errors.Raise(err)
	return b
}

func (h *RandomHost) GetRandomU64(_ context.Context) uint64 {
	v, err := h.r.U64()
	errors.Raise(err)
	return v
}

func (h *RandomHost) GetInsecureRandomBytes(_ context.Context, n uint64) []byte {
	b, err := h.r.InsecureBytes(n)
	errors.Raise(err)
	return b
}

func (h *RandomHost) GetInsecureRandomU64(_ context.Context) uint64 {
	v, err := h.r.InsecureU64()
	errors.Raise(err)
	return v
}

func (h *RandomHost) InsecureSeed(_ context.Context) [2]uint64 {
	v, err := h.r.InsecureSeed()
	errors.Raise(err)
	return v
}

func (h *RandomHost) Register() map[string]map[string]any {
	return map[string]map[string]any{
		"wasi:random/random": {
			"get-random-bytes": h.GetRandomBytes,
			"get-random-u64":   h.GetRandomU64,
		},
		"wasi:random/insecure": {
			"get-insecure-random-bytes": h.GetInsecureRandomBytes,
			"get-insecure-random-u64":   h.GetInsecureRandomU64,
		},
		"wasi:random/insecure-seed": {
			"insecure-seed": h.InsecureSeed,
		},
	}
}

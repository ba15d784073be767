package io

import (
	"context"
	goerrors "errors"
	goio "io"
	"sync"

	"github.com/wippyai/wasi-virt/errors"
)

// MaxChunk bounds a single read or write check.
const MaxChunk = 64 << 10

// StreamError is the stream-error variant: either the stream is closed or
// the last operation failed with Err.
type StreamError struct {
	Closed bool
	Err    error
}

func (e *StreamError) Error() string {
	if e.Closed {
		return "stream closed"
	}
	if e.Err != nil {
		return "stream operation failed: " + e.Err.Error()
	}
	return "stream operation failed"
}

func (e *StreamError) Unwrap() error { return e.Err }

// Closed returns the closed stream error.
func Closed() *StreamError { return &StreamError{Closed: true} }

// Failed wraps err as a failed operation.
func Failed(err error) *StreamError { return &StreamError{Err: err} }

// InputStream is the adapter's input-stream resource.
type InputStream interface {
	// Read returns up to n bytes without blocking; an empty result means
	// no data is available yet.
	Read(n uint64) ([]byte, error)
	// BlockingRead waits for at least one byte or end of stream.
	BlockingRead(ctx context.Context, n uint64) ([]byte, error)
	Subscribe() Pollable
}

// OutputStream is the adapter's output-stream resource.
type OutputStream interface {
	CheckWrite() (uint64, error)
	Write(p []byte) error
	Flush() error
	Subscribe() Pollable
}

func clamp(n uint64) int {
	if n > MaxChunk {
		return MaxChunk
	}
	return int(n)
}

// BytesStream is a virtual input stream over an in-memory slice.
type BytesStream struct {
	mu   sync.Mutex
	data []byte
	off  int
}

// NewBytesStream returns a stream reading data. The slice is not copied.
func NewBytesStream(data []byte) *BytesStream {
	return &BytesStream{data: data}
}

func (s *BytesStream) Read(n uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.off >= len(s.data) {
		return nil, Closed()
	}
	end := s.off + clamp(n)
	if end > len(s.data) {
		end = len(s.data)
	}
	out := s.data[s.off:end]
	s.off = end
	return out, nil
}

func (s *BytesStream) BlockingRead(_ context.Context, n uint64) ([]byte, error) {
	return s.Read(n)
}

func (s *BytesStream) Subscribe() Pollable { return Ready() }

// Empty is an input stream at end of stream.
type Empty struct{}

func (Empty) Read(uint64) ([]byte, error)                          { return nil, Closed() }
func (Empty) BlockingRead(context.Context, uint64) ([]byte, error) { return nil, Closed() }
func (Empty) Subscribe() Pollable                                  { return Ready() }

// Discard is an output stream that accepts and drops every write.
type Discard struct{}

func (Discard) CheckWrite() (uint64, error) { return MaxChunk, nil }
func (Discard) Write([]byte) error          { return nil }
func (Discard) Flush() error                { return nil }
func (Discard) Subscribe() Pollable         { return Ready() }

// DeniedInput traps on every read.
type DeniedInput struct {
	Subsystem string
	Name      string
}

func (d DeniedInput) Read(uint64) ([]byte, error) {
	return nil, errors.Denied(d.Subsystem, d.Name+".read")
}

func (d DeniedInput) BlockingRead(context.Context, uint64) ([]byte, error) {
	return nil, errors.Denied(d.Subsystem, d.Name+".blocking-read")
}

func (d DeniedInput) Subscribe() Pollable { return Ready() }

// DeniedOutput traps on every write.
type DeniedOutput struct {
	Subsystem string
	Name      string
}

func (d DeniedOutput) CheckWrite() (uint64, error) {
	return 0, errors.Denied(d.Subsystem, d.Name+".check-write")
}

func (d DeniedOutput) Write([]byte) error {
	return errors.Denied(d.Subsystem, d.Name+".write")
}

func (d DeniedOutput) Flush() error {
	return errors.Denied(d.Subsystem, d.Name+".flush")
}

func (d DeniedOutput) Subscribe() Pollable { return Ready() }

type chunk struct {
	data []byte
	err  error
}

// ReaderStream forwards a host reader. A background pump reads ahead one
// chunk so readiness can be observed without consuming data.
type ReaderStream struct {
	r    goio.Reader
	once sync.Once
	ch   chan chunk
	stop chan struct{}

	recv    sync.Mutex
	mu      sync.Mutex
	pending []byte
	err     error
}

// NewReaderStream wraps r. Readers implementing io.Closer are closed on Drop.
func NewReaderStream(r goio.Reader) *ReaderStream {
	return &ReaderStream{r: r, ch: make(chan chunk, 1), stop: make(chan struct{})}
}

func (s *ReaderStream) start() {
	s.once.Do(func() {
		go s.pump()
	})
}

func (s *ReaderStream) pump() {
	for {
		buf := make([]byte, MaxChunk)
		n, err := s.r.Read(buf)
		if n > 0 {
			select {
			case s.ch <- chunk{data: buf[:n]}:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			select {
			case s.ch <- chunk{err: err}:
			case <-s.stop:
			}
			return
		}
	}
}

// take moves the next chunk into pending, optionally waiting for it.
// Caller holds s.mu. Only the holder of s.recv receives from the pump, and
// it appends before releasing recv, so chunks land in pump order.
func (s *ReaderStream) take(ctx context.Context, wait bool) error {
	if len(s.pending) > 0 || s.err != nil {
		return nil
	}
	if !wait {
		if !s.recv.TryLock() {
			return nil
		}
		defer s.recv.Unlock()
		select {
		case c := <-s.ch:
			s.push(c)
		default:
		}
		return nil
	}

	s.mu.Unlock()
	s.recv.Lock()
	s.mu.Lock()
	defer s.recv.Unlock()
	if len(s.pending) > 0 || s.err != nil {
		return nil
	}

	s.mu.Unlock()
	var c chunk
	select {
	case c = <-s.ch:
	case <-ctx.Done():
		s.mu.Lock()
		return ctx.Err()
	}
	s.mu.Lock()
	s.push(c)
	return nil
}

func (s *ReaderStream) push(c chunk) {
	s.pending = append(s.pending, c.data...)
	if c.err != nil {
		s.err = c.err
	}
}

func (s *ReaderStream) consume(n uint64) ([]byte, error) {
	if len(s.pending) == 0 {
		if s.err != nil {
			if goerrors.Is(s.err, goio.EOF) {
				return nil, Closed()
			}
			return nil, Failed(s.err)
		}
		return []byte{}, nil
	}
	k := clamp(n)
	if k > len(s.pending) {
		k = len(s.pending)
	}
	out := append([]byte(nil), s.pending[:k]...)
	s.pending = s.pending[k:]
	return out, nil
}

func (s *ReaderStream) Read(n uint64) ([]byte, error) {
	s.start()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(context.Background(), false); err != nil {
		return nil, Failed(err)
	}
	return s.consume(n)
}

func (s *ReaderStream) BlockingRead(ctx context.Context, n uint64) ([]byte, error) {
	s.start()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(ctx, true); err != nil {
		return nil, Failed(err)
	}
	return s.consume(n)
}

func (s *ReaderStream) Subscribe() Pollable {
	s.start()
	return readerPollable{s}
}

// Drop stops the pump and closes the reader when it is closable.
func (s *ReaderStream) Drop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if c, ok := s.r.(goio.Closer); ok {
		_ = c.Close()
	}
}

type readerPollable struct{ s *ReaderStream }

func (p readerPollable) Ready() bool {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	_ = p.s.take(context.Background(), false)
	return len(p.s.pending) > 0 || p.s.err != nil
}

func (p readerPollable) Block(ctx context.Context) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.take(ctx, true)
}

// WriterStream forwards writes to a host writer.
type WriterStream struct {
	mu     sync.Mutex
	w      goio.Writer
	failed error
}

// NewWriterStream wraps w.
func NewWriterStream(w goio.Writer) *WriterStream {
	return &WriterStream{w: w}
}

func (s *WriterStream) CheckWrite() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return 0, Closed()
	}
	return MaxChunk, nil
}

func (s *WriterStream) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return Closed()
	}
	if _, err := s.w.Write(p); err != nil {
		s.failed = err
		return Failed(err)
	}
	return nil
}

func (s *WriterStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return Closed()
	}
	if f, ok := s.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			s.failed = err
			return Failed(err)
		}
	}
	return nil
}

func (s *WriterStream) Subscribe() Pollable { return Ready() }

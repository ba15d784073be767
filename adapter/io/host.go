package io

import (
	"context"
	goerrors "errors"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/resource"
)

// Interface names implemented by this package.
const (
	ErrorInterface   = "wasi:io/error"
	PollInterface    = "wasi:io/poll"
	StreamsInterface = "wasi:io/streams"
)

// ResultError is the stream-error value handed to the guest: the stream is
// closed, or the last operation failed and Failed names an error resource.
type ResultError struct {
	Closed bool
	Failed resource.Handle
}

// Host binds the io interfaces to a resource table.
type Host struct {
	Error   *ErrorHost
	Poll    *PollHost
	Streams *StreamsHost
}

// NewHost creates all io hosts over table.
func NewHost(table *resource.Table) *Host {
	return &Host{
		Error:   &ErrorHost{table: table},
		Poll:    &PollHost{table: table},
		Streams: &StreamsHost{table: table},
	}
}

// Register returns the entry points of every io interface by name.
func (h *Host) Register() map[string]map[string]any {
	return map[string]map[string]any{
		ErrorInterface:   h.Error.Register(),
		PollInterface:    h.Poll.Register(),
		StreamsInterface: h.Streams.Register(),
	}
}

type ErrorHost struct {
	table *resource.Table
}

func (h *ErrorHost) MethodErrorToDebugString(_ context.Context, self uint32) string {
	err, ok := resource.Lookup[error](h.table, resource.Handle(self), resource.KindError)
	if !ok {
		return "unknown error"
	}
	return err.Error()
}

func (h *ErrorHost) ResourceDropError(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

func (h *ErrorHost) Register() map[string]any {
	return map[string]any{
		"[method]error.to-debug-string": h.MethodErrorToDebugString,
		"[resource-drop]error":          h.ResourceDropError,
	}
}

type PollHost struct {
	table *resource.Table
}

func (h *PollHost) pollable(self uint32) Pollable {
	p, ok := resource.Lookup[Pollable](h.table, resource.Handle(self), resource.KindPollable)
	if !ok {
		panic(&errors.Trap{Subsystem: "io", Op: "poll", Reason: "invalid pollable handle"})
	}
	return p
}

func (h *PollHost) Poll(ctx context.Context, pollables []uint32) []uint32 {
	list := make([]Pollable, len(pollables))
	for i, handle := range pollables {
		list[i] = h.pollable(handle)
	}
	ready, err := Poll(ctx, list)
	errors.Raise(err)
	return ready
}

func (h *PollHost) MethodPollableReady(_ context.Context, self uint32) bool {
	return h.pollable(self).Ready()
}

func (h *PollHost) MethodPollableBlock(ctx context.Context, self uint32) {
	_ = h.pollable(self).Block(ctx)
}

func (h *PollHost) ResourceDropPollable(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

func (h *PollHost) Register() map[string]any {
	return map[string]any{
		"poll":                    h.Poll,
		"[method]pollable.ready":  h.MethodPollableReady,
		"[method]pollable.block":  h.MethodPollableBlock,
		"[resource-drop]pollable": h.ResourceDropPollable,
	}
}

type StreamsHost struct {
	table *resource.Table
}

func (h *StreamsHost) input(self uint32) (InputStream, bool) {
	return resource.Lookup[InputStream](h.table, resource.Handle(self), resource.KindInputStream)
}

func (h *StreamsHost) output(self uint32) (OutputStream, bool) {
	return resource.Lookup[OutputStream](h.table, resource.Handle(self), resource.KindOutputStream)
}

// result converts a stream operation error. Traps abort the call.
func (h *StreamsHost) result(err error) *ResultError {
	if err == nil {
		return nil
	}
	errors.Raise(err)
	var se *StreamError
	if goerrors.As(err, &se) && se.Closed {
		return &ResultError{Closed: true}
	}
	return &ResultError{Failed: h.table.Insert(resource.KindError, err)}
}

func (h *StreamsHost) MethodInputStreamRead(_ context.Context, self uint32, length uint64) ([]byte, *ResultError) {
	s, ok := h.input(self)
	if !ok {
		return nil, &ResultError{Closed: true}
	}
	data, err := s.Read(length)
	return data, h.result(err)
}

func (h *StreamsHost) MethodInputStreamBlockingRead(ctx context.Context, self uint32, length uint64) ([]byte, *ResultError) {
	s, ok := h.input(self)
	if !ok {
		return nil, &ResultError{Closed: true}
	}
	data, err := s.BlockingRead(ctx, length)
	return data, h.result(err)
}

func (h *StreamsHost) MethodInputStreamSkip(ctx context.Context, self uint32, length uint64) (uint64, *ResultError) {
	data, rerr := h.MethodInputStreamRead(ctx, self, length)
	return uint64(len(data)), rerr
}

func (h *StreamsHost) MethodInputStreamBlockingSkip(ctx context.Context, self uint32, length uint64) (uint64, *ResultError) {
	data, rerr := h.MethodInputStreamBlockingRead(ctx, self, length)
	return uint64(len(data)), rerr
}

func (h *StreamsHost) MethodInputStreamSubscribe(_ context.Context, self uint32) uint32 {
	p := Ready()
	if s, ok := h.input(self); ok {
		p = s.Subscribe()
	}
	return uint32(h.table.Insert(resource.KindPollable, p))
}

func (h *StreamsHost) MethodOutputStreamCheckWrite(_ context.Context, self uint32) (uint64, *ResultError) {
	s, ok := h.output(self)
	if !ok {
		return 0, &ResultError{Closed: true}
	}
	n, err := s.CheckWrite()
	return n, h.result(err)
}

func (h *StreamsHost) MethodOutputStreamWrite(_ context.Context, self uint32, contents []byte) *ResultError {
	s, ok := h.output(self)
	if !ok {
		return &ResultError{Closed: true}
	}
	return h.result(s.Write(contents))
}

func (h *StreamsHost) MethodOutputStreamBlockingWriteAndFlush(ctx context.Context, self uint32, contents []byte) *ResultError {
	if rerr := h.MethodOutputStreamWrite(ctx, self, contents); rerr != nil {
		return rerr
	}
	return h.MethodOutputStreamFlush(ctx, self)
}

func (h *StreamsHost) MethodOutputStreamFlush(_ context.Context, self uint32) *ResultError {
	s, ok := h.output(self)
	if !ok {
		return &ResultError{Closed: true}
	}
	return h.result(s.Flush())
}

func (h *StreamsHost) MethodOutputStreamBlockingFlush(ctx context.Context, self uint32) *ResultError {
	return h.MethodOutputStreamFlush(ctx, self)
}

func (h *StreamsHost) MethodOutputStreamSubscribe(_ context.Context, self uint32) uint32 {
	p := Ready()
	if s, ok := h.output(self); ok {
		p = s.Subscribe()
	}
	return uint32(h.table.Insert(resource.KindPollable, p))
}

func (h *StreamsHost) MethodOutputStreamWriteZeroes(ctx context.Context, self uint32, length uint64) *ResultError {
	if length > MaxChunk {
		return &ResultError{Failed: h.table.Insert(resource.KindError, goerrors.New("write exceeds check-write budget"))}
	}
	return h.MethodOutputStreamWrite(ctx, self, make([]byte, length))
}

func (h *StreamsHost) MethodOutputStreamBlockingWriteZeroesAndFlush(ctx context.Context, self uint32, length uint64) *ResultError {
	if rerr := h.MethodOutputStreamWriteZeroes(ctx, self, length); rerr != nil {
		return rerr
	}
	return h.MethodOutputStreamFlush(ctx, self)
}

func (h *StreamsHost) MethodOutputStreamSplice(ctx context.Context, self, src uint32, length uint64) (uint64, *ResultError) {
	data, rerr := h.MethodInputStreamRead(ctx, src, length)
	if rerr != nil {
		return 0, rerr
	}
	if rerr := h.MethodOutputStreamWrite(ctx, self, data); rerr != nil {
		return 0, rerr
	}
	return uint64(len(data)), nil
}

func (h *StreamsHost) MethodOutputStreamBlockingSplice(ctx context.Context, self, src uint32, length uint64) (uint64, *ResultError) {
	data, rerr := h.MethodInputStreamBlockingRead(ctx, src, length)
	if rerr != nil {
		return 0, rerr
	}
	if rerr := h.MethodOutputStreamBlockingWriteAndFlush(ctx, self, data); rerr != nil {
		return 0, rerr
	}
	return uint64(len(data)), nil
}

func (h *StreamsHost) ResourceDropInputStream(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

func (h *StreamsHost) ResourceDropOutputStream(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

func (h *StreamsHost) Register() map[string]any {
	return map[string]any{
		"[method]input-stream.read":          h.MethodInputStreamRead,
		"[method]input-stream.blocking-read": h.MethodInputStreamBlockingRead,
		"[method]input-stream.skip":          h.MethodInputStreamSkip,
		"[method]input-stream.blocking-skip": h.MethodInputStreamBlockingSkip,
		"[method]input-stream.subscribe":     h.MethodInputStreamSubscribe,

		"[method]output-stream.check-write":                     h.MethodOutputStreamCheckWrite,
		"[method]output-stream.write":                           h.MethodOutputStreamWrite,
		"[method]output-stream.blocking-write-and-flush":        h.MethodOutputStreamBlockingWriteAndFlush,
		"[method]output-stream.flush":                           h.MethodOutputStreamFlush,
		"[method]output-stream.blocking-flush":                  h.MethodOutputStreamBlockingFlush,
		"[method]output-stream.subscribe":                       h.MethodOutputStreamSubscribe,
		"[method]output-stream.write-zeroes":                    h.MethodOutputStreamWriteZeroes,
		"[method]output-stream.blocking-write-zeroes-and-flush": h.MethodOutputStreamBlockingWriteZeroesAndFlush,
		"[method]output-stream.splice":                          h.MethodOutputStreamSplice,
		"[method]output-stream.blocking-splice":                 h.MethodOutputStreamBlockingSplice,

		"[resource-drop]input-stream":  h.ResourceDropInputStream,
		"[resource-drop]output-stream": h.ResourceDropOutputStream,
	}
}

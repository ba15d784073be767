package http

import (
	"bytes"
	"context"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"

	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/resource"
)

// Schemes accepted by set-scheme.
const (
	SchemeHTTP uint8 = iota
	SchemeHTTPS
)

// HeaderError is the wasi:http header-error enum.
type HeaderError uint8

const (
	HeaderInvalidSyntax HeaderError = iota
	HeaderForbidden
	HeaderImmutable
)

// FieldEntry is one header name/value pair.
type FieldEntry struct {
	Name  string
	Value []byte
}

type fields struct {
	mu        sync.Mutex
	header    nethttp.Header
	immutable bool
}

type outgoingRequest struct {
	method    string
	scheme    string
	authority string
	path      string
	header    nethttp.Header
	body      *outgoingBody
}

type outgoingBody struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	finished bool
}

func (b *outgoingBody) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return 0, fail(ErrHTTPRequestBodySize)
	}
	return b.buf.Write(p)
}

type futureResponse struct {
	done  *vio.Signal
	resp  *nethttp.Response
	err   error
	taken bool
}

type incomingResponse struct {
	resp     *nethttp.Response
	consumed bool
}

func (r *incomingResponse) Drop() {
	if !r.consumed {
		_ = r.resp.Body.Close()
	}
}

type incomingBody struct {
	body     *nethttp.Response
	streamed bool
}

func (b *incomingBody) Drop() {
	if !b.streamed {
		_ = b.body.Body.Close()
	}
}

// HTTPHost binds wasi:http/types and wasi:http/outgoing-handler to a
// resource table.
type HTTPHost struct {
	table *resource.Table
	http  HTTP
}

// NewHTTPHost creates an HTTP host over table.
func NewHTTPHost(table *resource.Table, h HTTP) *HTTPHost {
	return &HTTPHost{table: table, http: h}
}

func (h *HTTPHost) guard(op string) {
	if _, denied := h.http.(deny); denied {
		panic(errors.NotAvailable("http", op))
	}
}

func (h *HTTPHost) fields(self uint32) *fields {
	f, ok := resource.Lookup[*fields](h.table, resource.Handle(self), resource.KindFields)
	if !ok {
		panic(&errors.Trap{Subsystem: "http", Op: "fields", Reason: "invalid fields handle"})
	}
	return f
}

func (h *HTTPHost) request(self uint32) *outgoingRequest {
	r, ok := resource.Lookup[*outgoingRequest](h.table, resource.Handle(self), resource.KindOutgoingRequest)
	if !ok {
		panic(&errors.Trap{Subsystem: "http", Op: "outgoing-request", Reason: "invalid request handle"})
	}
	return r
}

// [constructor]fields
func (h *HTTPHost) ConstructorFields(_ context.Context) uint32 {
	h.guard("types.fields")
	return uint32(h.table.Insert(resource.KindFields, &fields{header: nethttp.Header{}}))
}

// [method]fields.get
func (h *HTTPHost) MethodFieldsGet(_ context.Context, self uint32, name string) [][]byte {
	h.guard("types.fields.get")
	f := h.fields(self)
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.header.Values(name)
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

// [method]fields.set
func (h *HTTPHost) MethodFieldsSet(_ context.Context, self uint32, name string, values [][]byte) *HeaderError {
	h.guard("types.fields.set")
	f := h.fields(self)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.immutable {
		e := HeaderImmutable
		return &e
	}
	if name == "" || strings.ContainsAny(name, " :\r\n") {
		e := HeaderInvalidSyntax
		return &e
	}
	f.header.Del(name)
	for _, v := range values {
		f.header.Add(name, string(v))
	}
	return nil
}

// [method]fields.entries
func (h *HTTPHost) MethodFieldsEntries(_ context.Context, self uint32) []FieldEntry {
	h.guard("types.fields.entries")
	f := h.fields(self)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FieldEntry
	for name, values := range f.header {
		for _, v := range values {
			out = append(out, FieldEntry{Name: strings.ToLower(name), Value: []byte(v)})
		}
	}
	return out
}

func (h *HTTPHost) ResourceDropFields(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

// [constructor]outgoing-request takes ownership of the headers.
func (h *HTTPHost) ConstructorOutgoingRequest(_ context.Context, headers uint32) uint32 {
	h.guard("types.outgoing-request")
	header := nethttp.Header{}
	if f, ok := resource.Lookup[*fields](h.table, resource.Handle(headers), resource.KindFields); ok {
		header = f.header.Clone()
		h.table.Remove(resource.Handle(headers))
	}
	req := &outgoingRequest{method: nethttp.MethodGet, scheme: "https", path: "/", header: header}
	return uint32(h.table.Insert(resource.KindOutgoingRequest, req))
}

// [method]outgoing-request.set-method
func (h *HTTPHost) MethodOutgoingRequestSetMethod(_ context.Context, self uint32, method string) bool {
	h.guard("types.outgoing-request.set-method")
	if method == "" || strings.ContainsAny(method, " \r\n") {
		return false
	}
	h.request(self).method = method
	return true
}

// [method]outgoing-request.set-scheme
func (h *HTTPHost) MethodOutgoingRequestSetScheme(_ context.Context, self uint32, scheme *uint8) bool {
	h.guard("types.outgoing-request.set-scheme")
	req := h.request(self)
	switch {
	case scheme == nil, *scheme == SchemeHTTPS:
		req.scheme = "https"
	case *scheme == SchemeHTTP:
		req.scheme = "http"
	default:
		return false
	}
	return true
}

// [method]outgoing-request.set-authority
func (h *HTTPHost) MethodOutgoingRequestSetAuthority(_ context.Context, self uint32, authority *string) bool {
	h.guard("types.outgoing-request.set-authority")
	req := h.request(self)
	if authority == nil {
		req.authority = ""
		return true
	}
	if strings.ContainsAny(*authority, "/ ") {
		return false
	}
	req.authority = *authority
	return true
}

// [method]outgoing-request.set-path-with-query
func (h *HTTPHost) MethodOutgoingRequestSetPathWithQuery(_ context.Context, self uint32, path *string) bool {
	h.guard("types.outgoing-request.set-path-with-query")
	req := h.request(self)
	if path == nil {
		req.path = "/"
		return true
	}
	if !strings.HasPrefix(*path, "/") {
		return false
	}
	req.path = *path
	return true
}

// [method]outgoing-request.body may be called once.
func (h *HTTPHost) MethodOutgoingRequestBody(_ context.Context, self uint32) (uint32, bool) {
	h.guard("types.outgoing-request.body")
	req := h.request(self)
	if req.body != nil {
		return 0, false
	}
	req.body = &outgoingBody{}
	return uint32(h.table.Insert(resource.KindOutgoingBody, req.body)), true
}

func (h *HTTPHost) ResourceDropOutgoingRequest(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

// [method]outgoing-body.write
func (h *HTTPHost) MethodOutgoingBodyWrite(_ context.Context, self uint32) (uint32, bool) {
	h.guard("types.outgoing-body.write")
	body, ok := resource.Lookup[*outgoingBody](h.table, resource.Handle(self), resource.KindOutgoingBody)
	if !ok {
		return 0, false
	}
	return uint32(h.table.Insert(resource.KindOutputStream, vio.OutputStream(vio.NewWriterStream(body)))), true
}

// [static]outgoing-body.finish consumes the body. Trailers are not
// supported and are ignored.
func (h *HTTPHost) StaticOutgoingBodyFinish(_ context.Context, self uint32, _ *uint32) *Error {
	h.guard("types.outgoing-body.finish")
	body, ok := resource.Lookup[*outgoingBody](h.table, resource.Handle(self), resource.KindOutgoingBody)
	if !ok {
		return fail(ErrInternal)
	}
	h.table.Remove(resource.Handle(self))
	body.mu.Lock()
	body.finished = true
	body.mu.Unlock()
	return nil
}

// handle sends the request. The request body, if any, must be finished.
func (h *HTTPHost) Handle(ctx context.Context, request uint32, _ *uint32) (uint32, *Error) {
	h.guard("outgoing-handler.handle")
	req, ok := resource.Lookup[*outgoingRequest](h.table, resource.Handle(request), resource.KindOutgoingRequest)
	if !ok {
		return 0, fail(ErrInternal)
	}
	h.table.Remove(resource.Handle(request))
	if req.authority == "" {
		return 0, fail(ErrHTTPRequestURIInvalid)
	}
	u, err := url.Parse(req.scheme + "://" + req.authority + req.path)
	if err != nil {
		return 0, &Error{Code: ErrHTTPRequestURIInvalid, Cause: err}
	}

	var payload []byte
	if req.body != nil {
		req.body.mu.Lock()
		finished := req.body.finished
		payload = bytes.Clone(req.body.buf.Bytes())
		req.body.mu.Unlock()
		if !finished {
			return 0, fail(ErrHTTPRequestBodySize)
		}
	}

	out, err := nethttp.NewRequest(req.method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return 0, &Error{Code: ErrHTTPRequestURIInvalid, Cause: err}
	}
	out.Header = req.header

	future := &futureResponse{done: vio.NewSignal()}
	go func() {
		future.resp, future.err = h.http.Send(context.WithoutCancel(ctx), out)
		future.done.Fire()
	}()
	return uint32(h.table.Insert(resource.KindFutureResponse, future)), nil
}

// [method]future-incoming-response.subscribe
func (h *HTTPHost) MethodFutureIncomingResponseSubscribe(_ context.Context, self uint32) uint32 {
	h.guard("types.future-incoming-response.subscribe")
	var p vio.Pollable = vio.Ready()
	if f, ok := resource.Lookup[*futureResponse](h.table, resource.Handle(self), resource.KindFutureResponse); ok {
		p = f.done
	}
	return uint32(h.table.Insert(resource.KindPollable, p))
}

// [method]future-incoming-response.get returns ready=false while the
// request is in flight. The response can be taken once.
func (h *HTTPHost) MethodFutureIncomingResponseGet(_ context.Context, self uint32) (response uint32, herr *Error, ready bool) {
	h.guard("types.future-incoming-response.get")
	f, ok := resource.Lookup[*futureResponse](h.table, resource.Handle(self), resource.KindFutureResponse)
	if !ok {
		return 0, fail(ErrInternal), true
	}
	if !f.done.Ready() {
		return 0, nil, false
	}
	if f.taken {
		return 0, fail(ErrInternal), true
	}
	f.taken = true
	if f.err != nil {
		return 0, mapError(f.err), true
	}
	return uint32(h.table.Insert(resource.KindIncomingResponse, &incomingResponse{resp: f.resp})), nil, true
}

func (h *HTTPHost) ResourceDropFutureIncomingResponse(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

func (h *HTTPHost) response(self uint32) *incomingResponse {
	r, ok := resource.Lookup[*incomingResponse](h.table, resource.Handle(self), resource.KindIncomingResponse)
	if !ok {
		panic(&errors.Trap{Subsystem: "http", Op: "incoming-response", Reason: "invalid response handle"})
	}
	return r
}

// [method]incoming-response.status
func (h *HTTPHost) MethodIncomingResponseStatus(_ context.Context, self uint32) uint16 {
	h.guard("types.incoming-response.status")
	return uint16(h.response(self).resp.StatusCode)
}

// [method]incoming-response.headers returns immutable fields.
func (h *HTTPHost) MethodIncomingResponseHeaders(_ context.Context, self uint32) uint32 {
	h.guard("types.incoming-response.headers")
	header := h.response(self).resp.Header.Clone()
	return uint32(h.table.Insert(resource.KindFields, &fields{header: header, immutable: true}))
}

// [method]incoming-response.consume may be called once.
func (h *HTTPHost) MethodIncomingResponseConsume(_ context.Context, self uint32) (uint32, bool) {
	h.guard("types.incoming-response.consume")
	r := h.response(self)
	if r.consumed {
		return 0, false
	}
	r.consumed = true
	return uint32(h.table.Insert(resource.KindIncomingBody, &incomingBody{body: r.resp})), true
}

func (h *HTTPHost) ResourceDropIncomingResponse(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

// [method]incoming-body.stream may be called once.
func (h *HTTPHost) MethodIncomingBodyStream(_ context.Context, self uint32) (uint32, bool) {
	h.guard("types.incoming-body.stream")
	b, ok := resource.Lookup[*incomingBody](h.table, resource.Handle(self), resource.KindIncomingBody)
	if !ok || b.streamed {
		return 0, false
	}
	b.streamed = true
	return uint32(h.table.Insert(resource.KindInputStream, vio.InputStream(vio.NewReaderStream(b.body.Body)))), true
}

func (h *HTTPHost) ResourceDropIncomingBody(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

// http-error-code extracts an HTTP error from an io error resource.
func (h *HTTPHost) HTTPErrorCode(_ context.Context, err uint32) *Error {
	h.guard("types.http-error-code")
	e, ok := resource.Lookup[error](h.table, resource.Handle(err), resource.KindError)
	if !ok {
		return nil
	}
	return mapError(e)
}

// Register returns the entry points of both HTTP interfaces by name.
func (h *HTTPHost) Register() map[string]map[string]any {
	return map[string]map[string]any{
		"wasi:http/types": {
			"[constructor]fields":                          h.ConstructorFields,
			"[method]fields.get":                           h.MethodFieldsGet,
			"[method]fields.set":                           h.MethodFieldsSet,
			"[method]fields.entries":                       h.MethodFieldsEntries,
			"[resource-drop]fields":                        h.ResourceDropFields,
			"[constructor]outgoing-request":                h.ConstructorOutgoingRequest,
			"[method]outgoing-request.set-method":          h.MethodOutgoingRequestSetMethod,
			"[method]outgoing-request.set-scheme":          h.MethodOutgoingRequestSetScheme,
			"[method]outgoing-request.set-authority":       h.MethodOutgoingRequestSetAuthority,
			"[method]outgoing-request.set-path-with-query": h.MethodOutgoingRequestSetPathWithQuery,
			"[method]outgoing-request.body":                h.MethodOutgoingRequestBody,
			"[resource-drop]outgoing-request":              h.ResourceDropOutgoingRequest,
			"[method]outgoing-body.write":                  h.MethodOutgoingBodyWrite,
			"[static]outgoing-body.finish":                 h.StaticOutgoingBodyFinish,
			"[method]future-incoming-response.subscribe":   h.MethodFutureIncomingResponseSubscribe,
			"[method]future-incoming-response.get":         h.MethodFutureIncomingResponseGet,
			"[resource-drop]future-incoming-response":      h.ResourceDropFutureIncomingResponse,
			"[method]incoming-response.status":             h.MethodIncomingResponseStatus,
			"[method]incoming-response.headers":            h.MethodIncomingResponseHeaders,
			"[method]incoming-response.consume":            h.MethodIncomingResponseConsume,
			"[resource-drop]incoming-response":             h.ResourceDropIncomingResponse,
			"[method]incoming-body.stream":                 h.MethodIncomingBodyStream,
			"[resource-drop]incoming-body":                 h.ResourceDropIncomingBody,
			"http-error-code":                              h.HTTPErrorCode,
		},
		"wasi:http/outgoing-handler": {
			"handle": h.Handle,
		},
	}
}

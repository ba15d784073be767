// Package http implements wasi:http outgoing requests for the adapter.
// Enabled HTTP forwards requests to a host client; disabled HTTP traps on
// every entry point.
package http

import (
	"context"
	goerrors "errors"
	"net"
	nethttp "net/http"
	"os"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

// Host sends requests on behalf of the guest. *http.Client satisfies it.
type Host interface {
	Do(req *nethttp.Request) (*nethttp.Response, error)
}

// Default returns the host's default client. The adapter adds no timeout
// of its own.
func Default() Host { return nethttp.DefaultClient }

// HTTP is the adapter's HTTP subsystem.
type HTTP interface {
	Send(ctx context.Context, req *nethttp.Request) (*nethttp.Response, error)
}

// New forwards to host for StrategyForward and traps otherwise.
func New(strategy policy.Strategy, host Host) HTTP {
	if strategy == policy.StrategyForward && host != nil {
		return forward{host: host}
	}
	return deny{}
}

type forward struct{ host Host }

func (f forward) Send(ctx context.Context, req *nethttp.Request) (*nethttp.Response, error) {
	return f.host.Do(req.WithContext(ctx))
}

type deny struct{}

func (deny) Send(context.Context, *nethttp.Request) (*nethttp.Response, error) {
	return nil, errors.NotAvailable("http", "outgoing-handler.handle")
}

// ErrorCode is the subset of wasi:http error-code cases the adapter reports.
type ErrorCode uint8

const (
	ErrInternal ErrorCode = iota
	ErrDNSTimeout
	ErrDNSError
	ErrDestinationNotFound
	ErrDestinationUnavailable
	ErrConnectionRefused
	ErrConnectionTimeout
	ErrHTTPProtocol
	ErrHTTPRequestURIInvalid
	ErrHTTPRequestBodySize
)

var codeNames = [...]string{
	"internal-error", "DNS-timeout", "DNS-error", "destination-not-found",
	"destination-unavailable", "connection-refused", "connection-timeout",
	"HTTP-protocol-error", "HTTP-request-URI-invalid", "HTTP-request-body-size",
}

func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "internal-error"
}

// Error is an HTTP failure handed to the guest.
type Error struct {
	Code  ErrorCode
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return "http error: " + e.Code.String() + ": " + e.Cause.Error()
	}
	return "http error: " + e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func fail(code ErrorCode) *Error { return &Error{Code: code} }

// mapError classifies a client error. Traps are raised instead.
func mapError(err error) *Error {
	if err == nil {
		return nil
	}
	errors.Raise(err)

	var herr *Error
	if goerrors.As(err, &herr) {
		return herr
	}
	var dnsErr *net.DNSError
	if goerrors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsTimeout:
			return &Error{Code: ErrDNSTimeout, Cause: err}
		case dnsErr.IsNotFound:
			return &Error{Code: ErrDestinationNotFound, Cause: err}
		}
		return &Error{Code: ErrDNSError, Cause: err}
	}
	var opErr *net.OpError
	if goerrors.As(err, &opErr) {
		if opErr.Timeout() {
			return &Error{Code: ErrConnectionTimeout, Cause: err}
		}
		if opErr.Op == "dial" {
			return &Error{Code: ErrConnectionRefused, Cause: err}
		}
		return &Error{Code: ErrDestinationUnavailable, Cause: err}
	}
	if os.IsTimeout(err) {
		return &Error{Code: ErrConnectionTimeout, Cause: err}
	}
	return &Error{Code: ErrHTTPProtocol, Cause: err}
}

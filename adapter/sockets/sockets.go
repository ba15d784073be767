// Package sockets implements wasi:sockets for the adapter. Enabled sockets
// forward to the host network stack; disabled sockets trap on every entry
// point.
package sockets

import (
	"context"
	goerrors "errors"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

// Host is the network stack sockets forward to.
type Host interface {
	Dial(ctx context.Context, network string, local, remote netip.AddrPort) (net.Conn, error)
	Listen(ctx context.Context, network string, local netip.AddrPort) (net.Listener, error)
	ListenPacket(ctx context.Context, network string, local netip.AddrPort) (net.PacketConn, error)
	LookupNetIP(ctx context.Context, name string) ([]netip.Addr, error)
}

type osHost struct{}

// OS returns the host's network stack.
func OS() Host { return osHost{} }

func (osHost) Dial(ctx context.Context, network string, local, remote netip.AddrPort) (net.Conn, error) {
	d := net.Dialer{}
	if local.IsValid() {
		switch network {
		case "udp":
			d.LocalAddr = net.UDPAddrFromAddrPort(local)
		default:
			d.LocalAddr = net.TCPAddrFromAddrPort(local)
		}
	}
	return d.DialContext(ctx, network, remote.String())
}

func (osHost) Listen(ctx context.Context, network string, local netip.AddrPort) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, local.String())
}

func (osHost) ListenPacket(ctx context.Context, network string, local netip.AddrPort) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, network, local.String())
}

func (osHost) LookupNetIP(ctx context.Context, name string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", name)
}

// Sockets is the adapter's network subsystem.
type Sockets interface {
	Dial(ctx context.Context, network string, local, remote netip.AddrPort) (net.Conn, error)
	Listen(ctx context.Context, local netip.AddrPort) (net.Listener, error)
	ListenPacket(ctx context.Context, local netip.AddrPort) (net.PacketConn, error)
	Resolve(ctx context.Context, name string) ([]netip.Addr, error)
}

// New forwards to host for StrategyForward and traps otherwise.
func New(strategy policy.Strategy, host Host) Sockets {
	if strategy == policy.StrategyForward && host != nil {
		return forward{host: host}
	}
	return deny{}
}

type forward struct{ host Host }

func (f forward) Dial(ctx context.Context, network string, local, remote netip.AddrPort) (net.Conn, error) {
	return f.host.Dial(ctx, network, local, remote)
}

func (f forward) Listen(ctx context.Context, local netip.AddrPort) (net.Listener, error) {
	return f.host.Listen(ctx, "tcp", local)
}

func (f forward) ListenPacket(ctx context.Context, local netip.AddrPort) (net.PacketConn, error) {
	return f.host.ListenPacket(ctx, "udp", local)
}

func (f forward) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	return f.host.LookupNetIP(ctx, name)
}

type deny struct{}

func (deny) Dial(context.Context, string, netip.AddrPort, netip.AddrPort) (net.Conn, error) {
	return nil, errors.NotAvailable("sockets", "tcp.start-connect")
}

func (deny) Listen(context.Context, netip.AddrPort) (net.Listener, error) {
	return nil, errors.NotAvailable("sockets", "tcp.start-listen")
}

func (deny) ListenPacket(context.Context, netip.AddrPort) (net.PacketConn, error) {
	return nil, errors.NotAvailable("sockets", "udp.start-bind")
}

func (deny) Resolve(context.Context, string) ([]netip.Addr, error) {
	return nil, errors.NotAvailable("sockets", "ip-name-lookup.resolve-addresses")
}

// ErrorCode is the wasi:sockets/network error-code enum.
type ErrorCode uint8

const (
	ErrUnknown ErrorCode = iota
	ErrAccessDenied
	ErrNotSupported
	ErrInvalidArgument
	ErrOutOfMemory
	ErrTimeout
	ErrConcurrencyConflict
	ErrNotInProgress
	ErrWouldBlock
	ErrInvalidState
	ErrNewSocketLimit
	ErrAddressNotBindable
	ErrAddressInUse
	ErrRemoteUnreachable
	ErrConnectionRefused
	ErrConnectionReset
	ErrConnectionAborted
	ErrDatagramTooLarge
	ErrNameUnresolvable
	ErrTemporaryResolverFailure
	ErrPermanentResolverFailure
)

var codeNames = [...]string{
	"unknown", "access-denied", "not-supported", "invalid-argument",
	"out-of-memory", "timeout", "concurrency-conflict", "not-in-progress",
	"would-block", "invalid-state", "new-socket-limit", "address-not-bindable",
	"address-in-use", "remote-unreachable", "connection-refused",
	"connection-reset", "connection-aborted", "datagram-too-large",
	"name-unresolvable", "temporary-resolver-failure", "permanent-resolver-failure",
}

func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "unknown"
}

// NetworkError is the error result of a socket operation.
type NetworkError struct {
	Code ErrorCode
}

func (e *NetworkError) Error() string { return "network error: " + e.Code.String() }

func fail(code ErrorCode) *NetworkError { return &NetworkError{Code: code} }

// mapError converts host errors to network error codes. Traps are raised
// instead of being converted.
func mapError(err error) *NetworkError {
	if err == nil {
		return nil
	}
	errors.Raise(err)

	var dnsErr *net.DNSError
	if goerrors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsTemporary:
			return fail(ErrTemporaryResolverFailure)
		case dnsErr.IsNotFound:
			return fail(ErrNameUnresolvable)
		}
		return fail(ErrPermanentResolverFailure)
	}
	var addrErr *net.AddrError
	if goerrors.As(err, &addrErr) {
		return fail(ErrInvalidArgument)
	}
	var errno syscall.Errno
	if goerrors.As(err, &errno) {
		return fail(mapErrno(errno))
	}
	if os.IsTimeout(err) {
		return fail(ErrTimeout)
	}
	if os.IsPermission(err) {
		return fail(ErrAccessDenied)
	}
	return fail(ErrUnknown)
}

func mapErrno(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EACCES, syscall.EPERM:
		return ErrAccessDenied
	case syscall.EADDRINUSE:
		return ErrAddressInUse
	case syscall.EADDRNOTAVAIL:
		return ErrAddressNotBindable
	case syscall.ECONNREFUSED:
		return ErrConnectionRefused
	case syscall.ECONNRESET:
		return ErrConnectionReset
	case syscall.ECONNABORTED, syscall.EPIPE:
		return ErrConnectionAborted
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return ErrRemoteUnreachable
	case syscall.ETIMEDOUT:
		return ErrTimeout
	case syscall.EINVAL:
		return ErrInvalidArgument
	case syscall.ENOMEM:
		return ErrOutOfMemory
	case syscall.EWOULDBLOCK, syscall.EINPROGRESS:
		return ErrWouldBlock
	case syscall.EALREADY:
		return ErrConcurrencyConflict
	case syscall.ENOTCONN, syscall.EISCONN, syscall.ENOTSOCK:
		return ErrInvalidState
	case syscall.EMSGSIZE:
		return ErrDatagramTooLarge
	case syscall.EMFILE, syscall.ENFILE:
		return ErrNewSocketLimit
	}
	return ErrUnknown
}

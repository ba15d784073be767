package sockets

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/resource"
)

func newHost(t *testing.T, strategy policy.Strategy) (*SocketsHost, *resource.Table) {
	t.Helper()
	table := resource.NewTable()
	t.Cleanup(func() { _ = table.Close() })
	return NewSocketsHost(table, New(strategy, OS())), table
}

func waitSignal(t *testing.T, table *resource.Table, handle uint32) {
	t.Helper()
	p, ok := resource.Lookup[vio.Pollable](table, resource.Handle(handle), resource.KindPollable)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Block(ctx))
}

func TestTCPConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		n, _ := conn.Read(buf)
		accepted <- buf[:n]
	}()

	h, table := newHost(t, policy.StrategyForward)
	ctx := context.Background()
	sock, nerr := h.CreateTCPSocket(ctx, IPv4)
	require.Nil(t, nerr)

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.Nil(t, h.MethodTCPSocketStartConnect(ctx, sock, 0, IPSocketAddress{Address: "127.0.0.1", Port: port}))
	waitSignal(t, table, h.MethodTCPSocketSubscribe(ctx, sock))

	in, out, nerr := h.MethodTCPSocketFinishConnect(ctx, sock)
	require.Nil(t, nerr)
	assert.NotZero(t, in)

	w, ok := resource.Lookup[vio.OutputStream](table, resource.Handle(out), resource.KindOutputStream)
	require.True(t, ok)
	require.NoError(t, w.Write([]byte("hello")))

	select {
	case got := <-accepted:
		assert.Equal(t, "hello", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive data")
	}
}

func TestTCPListenAccept(t *testing.T) {
	h, table := newHost(t, policy.StrategyForward)
	ctx := context.Background()
	sock, _ := h.CreateTCPSocket(ctx, IPv4)

	require.Nil(t, h.MethodTCPSocketStartBind(ctx, sock, 0, IPSocketAddress{Address: "127.0.0.1"}))
	require.Nil(t, h.MethodTCPSocketFinishBind(ctx, sock))
	require.Nil(t, h.MethodTCPSocketStartListen(ctx, sock))
	waitSignal(t, table, h.MethodTCPSocketSubscribe(ctx, sock))
	require.Nil(t, h.MethodTCPSocketFinishListen(ctx, sock))

	addr, nerr := h.LocalAddress(sock)
	require.Nil(t, nerr)
	require.NotZero(t, addr.Port)

	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort(addr.Address, strconv.Itoa(int(addr.Port))))
		if err == nil {
			_ = conn.Close()
		}
	}()
	client, in, out, nerr := h.MethodTCPSocketAccept(ctx, sock)
	require.Nil(t, nerr)
	assert.NotZero(t, client)
	assert.NotEqual(t, in, out)
}

func TestFinishWithoutStart(t *testing.T) {
	h, _ := newHost(t, policy.StrategyForward)
	ctx := context.Background()
	sock, _ := h.CreateTCPSocket(ctx, IPv6)

	assert.Equal(t, ErrNotInProgress, h.MethodTCPSocketFinishBind(ctx, sock).Code)
	assert.Equal(t, ErrInvalidState, h.MethodTCPSocketStartListen(ctx, sock).Code)

	_, nerr := h.CreateTCPSocket(ctx, 7)
	assert.Equal(t, ErrInvalidArgument, nerr.Code)
}

func TestResolveLiteral(t *testing.T) {
	h, _ := newHost(t, policy.StrategyForward)
	ctx := context.Background()

	rs, nerr := h.ResolveAddresses(ctx, 0, "10.0.0.1")
	require.Nil(t, nerr)
	next, nerr := h.MethodResolveAddressStreamResolveNextAddress(ctx, rs)
	require.Nil(t, nerr)
	require.NotNil(t, next)
	assert.Equal(t, "10.0.0.1", *next)

	next, _ = h.MethodResolveAddressStreamResolveNextAddress(ctx, rs)
	assert.Nil(t, next)
}

func TestDenyTraps(t *testing.T) {
	h, _ := newHost(t, policy.StrategyDeny)
	ctx := context.Background()

	assert.PanicsWithError(t, errors.NotAvailable("sockets", "ip-name-lookup.resolve-addresses").Error(), func() {
		_, _ = h.ResolveAddresses(ctx, 0, "example.com")
	})

	assert.Panics(t, func() { _, _ = h.ResolveAddresses(ctx, 0, "10.0.0.1") })
	assert.Panics(t, func() { _, _ = h.CreateUDPSocket(ctx, IPv4) })
	assert.Panics(t, func() { _ = h.InstanceNetwork(ctx) })
	assert.NotPanics(t, func() { h.ResourceDropTCPSocket(ctx, 1) })
}

func TestUDPStream(t *testing.T) {
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	h, table := newHost(t, policy.StrategyForward)
	ctx := context.Background()
	sock, _ := h.CreateUDPSocket(ctx, IPv4)
	require.Nil(t, h.MethodUDPSocketStartBind(ctx, sock, 0, IPSocketAddress{Address: "127.0.0.1"}))
	require.Nil(t, h.MethodUDPSocketFinishBind(ctx, sock))

	port := uint16(peer.LocalAddr().(*net.UDPAddr).Port)
	_, out, nerr := h.MethodUDPSocketStream(ctx, sock, &IPSocketAddress{Address: "127.0.0.1", Port: port})
	require.Nil(t, nerr)

	w, ok := resource.Lookup[vio.OutputStream](table, resource.Handle(out), resource.KindOutputStream)
	require.True(t, ok)
	require.NoError(t, w.Write([]byte("ping")))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 16)
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ErrConnectionRefused},
		{&net.DNSError{IsNotFound: true}, ErrNameUnresolvable},
		{&net.DNSError{IsTemporary: true}, ErrTemporaryResolverFailure},
		{&net.AddrError{Err: "bad"}, ErrInvalidArgument},
		{syscall.EADDRINUSE, ErrAddressInUse},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapError(tt.err).Code, "%v", tt.err)
	}
	assert.Nil(t, mapError(nil))
}

package sockets

import (
	"context"
	goio "io"
	"net"
	"net/netip"
	"sync"

	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/resource"
)

// Address families.
const (
	IPv4 uint8 = 0
	IPv6 uint8 = 1
)

// Shutdown types.
const (
	ShutdownReceive uint8 = iota
	ShutdownSend
	ShutdownBoth
)

// IPSocketAddress is an address and port handed across the boundary.
type IPSocketAddress struct {
	Address string
	Port    uint16
}

func (a IPSocketAddress) addrPort() (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(a.Address)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, a.Port), true
}

type socketState uint8

const (
	stateUnbound socketState = iota
	stateBindStarted
	stateBound
	stateConnectStarted
	stateConnected
	stateListenStarted
	stateListening
	stateClosed
)

// pending is an asynchronous start-* operation awaiting its finish-*.
type pending struct {
	done *vio.Signal
	conn net.Conn
	ln   net.Listener
	err  error
}

type tcpSocket struct {
	mu     sync.Mutex
	family uint8
	state  socketState
	local  netip.AddrPort
	conn   net.Conn
	ln     net.Listener
	op     *pending
}

func (s *tcpSocket) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.state = stateClosed
}

type udpSocket struct {
	mu     sync.Mutex
	family uint8
	state  socketState
	local  netip.AddrPort
	pc     net.PacketConn
	conn   net.Conn
}

func (s *udpSocket) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc != nil {
		_ = s.pc.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.state = stateClosed
}

// resolveStream hands out resolved addresses one at a time.
type resolveStream struct {
	mu    sync.Mutex
	addrs []netip.Addr
}

// network is the capability token returned by instance-network.
type network struct{}

// noClose hides Close so dropping a stream leaves the socket open.
type noClose struct{ goio.Reader }

// SocketsHost binds the wasi:sockets interfaces to a resource table.
type SocketsHost struct {
	table   *resource.Table
	sockets Sockets
}

// NewSocketsHost creates a sockets host over table.
func NewSocketsHost(table *resource.Table, sockets Sockets) *SocketsHost {
	return &SocketsHost{table: table, sockets: sockets}
}

// guard traps every entry point of a disabled subsystem. Drops stay
// allowed so the guest can release what it holds.
func (h *SocketsHost) guard(op string) {
	if _, denied := h.sockets.(deny); denied {
		panic(errors.NotAvailable("sockets", op))
	}
}

func (h *SocketsHost) InstanceNetwork(_ context.Context) uint32 {
	h.guard("instance-network")
	return uint32(h.table.Insert(resource.KindNetwork, network{}))
}

func (h *SocketsHost) ResourceDropNetwork(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

// resolve-addresses
func (h *SocketsHost) ResolveAddresses(ctx context.Context, _ uint32, name string) (uint32, *NetworkError) {
	h.guard("ip-name-lookup.resolve-addresses")
	if name == "" {
		return 0, fail(ErrInvalidArgument)
	}
	if ip, err := netip.ParseAddr(name); err == nil {
		return uint32(h.table.Insert(resource.KindResolveStream, &resolveStream{addrs: []netip.Addr{ip}})), nil
	}
	addrs, err := h.sockets.Resolve(ctx, name)
	if err != nil {
		return 0, mapError(err)
	}
	return uint32(h.table.Insert(resource.KindResolveStream, &resolveStream{addrs: addrs})), nil
}

// [method]resolve-address-stream.resolve-next-address
func (h *SocketsHost) MethodResolveAddressStreamResolveNextAddress(_ context.Context, self uint32) (*string, *NetworkError) {
	h.guard("ip-name-lookup.resolve-next-address")
	rs, ok := resource.Lookup[*resolveStream](h.table, resource.Handle(self), resource.KindResolveStream)
	if !ok {
		return nil, fail(ErrInvalidArgument)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.addrs) == 0 {
		return nil, nil
	}
	next := rs.addrs[0].String()
	rs.addrs = rs.addrs[1:]
	return &next, nil
}

func (h *SocketsHost) CreateTCPSocket(_ context.Context, family uint8) (uint32, *NetworkError) {
	h.guard("tcp-create-socket")
	if family != IPv4 && family != IPv6 {
		return 0, fail(ErrInvalidArgument)
	}
	return uint32(h.table.Insert(resource.KindTCPSocket, &tcpSocket{family: family})), nil
}

func (h *SocketsHost) CreateUDPSocket(_ context.Context, family uint8) (uint32, *NetworkError) {
	h.guard("udp-create-socket")
	if family != IPv4 && family != IPv6 {
		return 0, fail(ErrInvalidArgument)
	}
	return uint32(h.table.Insert(resource.KindUDPSocket, &udpSocket{family: family})), nil
}

func (h *SocketsHost) tcp(self uint32) (*tcpSocket, *NetworkError) {
	s, ok := resource.Lookup[*tcpSocket](h.table, resource.Handle(self), resource.KindTCPSocket)
	if !ok {
		return nil, fail(ErrInvalidArgument)
	}
	return s, nil
}

func (h *SocketsHost) udp(self uint32) (*udpSocket, *NetworkError) {
	s, ok := resource.Lookup[*udpSocket](h.table, resource.Handle(self), resource.KindUDPSocket)
	if !ok {
		return nil, fail(ErrInvalidArgument)
	}
	return s, nil
}

// [method]tcp-socket.start-bind
func (h *SocketsHost) MethodTCPSocketStartBind(_ context.Context, self, _ uint32, local IPSocketAddress) *NetworkError {
	h.guard("tcp.start-bind")
	s, nerr := h.tcp(self)
	if nerr != nil {
		return nerr
	}
	addr, ok := local.addrPort()
	if !ok {
		return fail(ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnbound {
		return fail(ErrInvalidState)
	}
	s.local = addr
	s.state = stateBindStarted
	return nil
}

// [method]tcp-socket.finish-bind
func (h *SocketsHost) MethodTCPSocketFinishBind(_ context.Context, self uint32) *NetworkError {
	h.guard("tcp.finish-bind")
	s, nerr := h.tcp(self)
	if nerr != nil {
		return nerr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateBindStarted {
		return fail(ErrNotInProgress)
	}
	s.state = stateBound
	return nil
}

// [method]tcp-socket.start-connect
func (h *SocketsHost) MethodTCPSocketStartConnect(ctx context.Context, self, _ uint32, remote IPSocketAddress) *NetworkError {
	h.guard("tcp.start-connect")
	s, nerr := h.tcp(self)
	if nerr != nil {
		return nerr
	}
	addr, ok := remote.addrPort()
	if !ok || addr.Port() == 0 {
		return fail(ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnbound && s.state != stateBound {
		return fail(ErrInvalidState)
	}
	op := &pending{done: vio.NewSignal()}
	s.op = op
	s.state = stateConnectStarted
	local := s.local
	go func() {
		op.conn, op.err = h.sockets.Dial(context.WithoutCancel(ctx), "tcp", local, addr)
		op.done.Fire()
	}()
	return nil
}

// [method]tcp-socket.finish-connect
func (h *SocketsHost) MethodTCPSocketFinishConnect(_ context.Context, self uint32) (uint32, uint32, *NetworkError) {
	h.guard("tcp.finish-connect")
	s, nerr := h.tcp(self)
	if nerr != nil {
		return 0, 0, nerr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnectStarted {
		return 0, 0, fail(ErrNotInProgress)
	}
	if !s.op.done.Ready() {
		return 0, 0, fail(ErrWouldBlock)
	}
	op := s.op
	s.op = nil
	if op.err != nil {
		s.state = stateClosed
		return 0, 0, mapError(op.err)
	}
	s.conn = op.conn
	s.state = stateConnected
	in, out := h.streams(op.conn)
	return in, out, nil
}

func (h *SocketsHost) streams(conn net.Conn) (uint32, uint32) {
	in := h.table.Insert(resource.KindInputStream, vio.InputStream(vio.NewReaderStream(noClose{conn})))
	out := h.table.Insert(resource.KindOutputStream, vio.OutputStream(vio.NewWriterStream(conn)))
	return uint32(in), uint32(out)
}

// [method]tcp-socket.start-listen
func (h *SocketsHost) MethodTCPSocketStartListen(ctx context.Context, self uint32) *NetworkError {
	h.guard("tcp.start-listen")
	s, nerr := h.tcp(self)
	if nerr != nil {
		return nerr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateBound {
		return fail(ErrInvalidState)
	}
	op := &pending{done: vio.NewSignal()}
	s.op = op
	s.state = stateListenStarted
	local := s.local
	go func() {
		op.ln, op.err = h.sockets.Listen(context.WithoutCancel(ctx), local)
		op.done.Fire()
	}()
	return nil
}

// [method]tcp-socket.finish-listen
func (h *SocketsHost) MethodTCPSocketFinishListen(_ context.Context, self uint32) *NetworkError {
	h.guard("tcp.finish-listen")
	s, nerr := h.tcp(self)
	if nerr != nil {
		return nerr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateListenStarted {
		return fail(ErrNotInProgress)
	}
	if !s.op.done.Ready() {
		return fail(ErrWouldBlock)
	}
	op := s.op
	s.op = nil
	if op.err != nil {
		s.state = stateBound
		return mapError(op.err)
	}
	s.ln = op.ln
	s.state = stateListening
	if tcpAddr, ok := op.ln.Addr().(*net.TCPAddr); ok {
		s.local = tcpAddr.AddrPort()
	}
	return nil
}

// LocalAddress reports the bound address of a TCP socket.
func (h *SocketsHost) LocalAddress(self uint32) (IPSocketAddress, *NetworkError) {
	s, nerr := h.tcp(self)
	if nerr != nil {
		return IPSocketAddress{}, nerr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateUnbound {
		return IPSocketAddress{}, fail(ErrInvalidState)
	}
	return IPSocketAddress{Address: s.local.Addr().String(), Port: s.local.Port()}, nil
}

// [method]tcp-socket.accept
func (h *SocketsHost) MethodTCPSocketAccept(_ context.Context, self uint32) (uint32, uint32, uint32, *NetworkError) {
	h.guard("tcp.accept")
	s, nerr := h.tcp(self)
	if nerr != nil {
		return 0, 0, 0, nerr
	}
	s.mu.Lock()
	ln, state, family := s.ln, s.state, s.family
	s.mu.Unlock()
	if state != stateListening || ln == nil {
		return 0, 0, 0, fail(ErrInvalidState)
	}

	conn, err := ln.Accept()
	if err != nil {
		return 0, 0, 0, mapError(err)
	}
	accepted := &tcpSocket{family: family, state: stateConnected, conn: conn}
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		accepted.local = tcpAddr.AddrPort()
	}
	handle := h.table.Insert(resource.KindTCPSocket, accepted)
	in, out := h.streams(conn)
	return uint32(handle), in, out, nil
}

// [method]tcp-socket.subscribe
func (h *SocketsHost) MethodTCPSocketSubscribe(_ context.Context, self uint32) uint32 {
	h.guard("tcp.subscribe")
	var p vio.Pollable = vio.Ready()
	if s, nerr := h.tcp(self); nerr == nil {
		s.mu.Lock()
		if s.op != nil {
			p = s.op.done
		}
		s.mu.Unlock()
	}
	return uint32(h.table.Insert(resource.KindPollable, p))
}

// [method]tcp-socket.shutdown
func (h *SocketsHost) MethodTCPSocketShutdown(_ context.Context, self uint32, how uint8) *NetworkError {
	h.guard("tcp.shutdown")
	s, nerr := h.tcp(self)
	if nerr != nil {
		return nerr
	}
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != stateConnected || conn == nil {
		return fail(ErrInvalidState)
	}
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	hc, ok := conn.(halfCloser)
	if !ok {
		return fail(ErrNotSupported)
	}
	var err error
	switch how {
	case ShutdownReceive:
		err = hc.CloseRead()
	case ShutdownSend:
		err = hc.CloseWrite()
	case ShutdownBoth:
		if err = hc.CloseRead(); err == nil {
			err = hc.CloseWrite()
		}
	default:
		return fail(ErrInvalidArgument)
	}
	return mapError(err)
}

func (h *SocketsHost) ResourceDropTCPSocket(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

// [method]udp-socket.start-bind
func (h *SocketsHost) MethodUDPSocketStartBind(_ context.Context, self, _ uint32, local IPSocketAddress) *NetworkError {
	h.guard("udp.start-bind")
	s, nerr := h.udp(self)
	if nerr != nil {
		return nerr
	}
	addr, ok := local.addrPort()
	if !ok {
		return fail(ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnbound {
		return fail(ErrInvalidState)
	}
	s.local = addr
	s.state = stateBindStarted
	return nil
}

// [method]udp-socket.finish-bind
func (h *SocketsHost) MethodUDPSocketFinishBind(ctx context.Context, self uint32) *NetworkError {
	h.guard("udp.finish-bind")
	s, nerr := h.udp(self)
	if nerr != nil {
		return nerr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateBindStarted {
		return fail(ErrNotInProgress)
	}
	pc, err := h.sockets.ListenPacket(ctx, s.local)
	if err != nil {
		s.state = stateUnbound
		return mapError(err)
	}
	s.pc = pc
	if udpAddr, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		s.local = udpAddr.AddrPort()
	}
	s.state = stateBound
	return nil
}

// [method]udp-socket.stream connects the socket to remote and returns a
// byte stream pair carrying one datagram per write. A nil remote keeps the
// socket unconnected and yields streams over the bound packet socket.
func (h *SocketsHost) MethodUDPSocketStream(ctx context.Context, self uint32, remote *IPSocketAddress) (uint32, uint32, *NetworkError) {
	h.guard("udp.stream")
	s, nerr := h.udp(self)
	if nerr != nil {
		return 0, 0, nerr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateBound {
		return 0, 0, fail(ErrInvalidState)
	}
	if remote == nil {
		in := h.table.Insert(resource.KindInputStream, vio.InputStream(vio.NewReaderStream(packetReader{s.pc})))
		out := h.table.Insert(resource.KindOutputStream, vio.OutputStream(vio.Discard{}))
		return uint32(in), uint32(out), nil
	}
	addr, ok := remote.addrPort()
	if !ok {
		return 0, 0, fail(ErrInvalidArgument)
	}
	// The bound packet socket is replaced by a connected one on the same
	// local address.
	local := s.local
	_ = s.pc.Close()
	s.pc = nil
	conn, err := h.sockets.Dial(ctx, "udp", local, addr)
	if err != nil {
		s.state = stateClosed
		return 0, 0, mapError(err)
	}
	s.conn = conn
	in, out := h.streams(conn)
	return in, out, nil
}

type packetReader struct{ pc net.PacketConn }

func (r packetReader) Read(p []byte) (int, error) {
	n, _, err := r.pc.ReadFrom(p)
	return n, err
}

// [method]udp-socket.subscribe
func (h *SocketsHost) MethodUDPSocketSubscribe(_ context.Context, _ uint32) uint32 {
	h.guard("udp.subscribe")
	return uint32(h.table.Insert(resource.KindPollable, vio.Ready()))
}

func (h *SocketsHost) ResourceDropUDPSocket(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

// Register returns the entry points of every sockets interface by name.
func (h *SocketsHost) Register() map[string]map[string]any {
	return map[string]map[string]any{
		"wasi:sockets/network": {
			"[resource-drop]network": h.ResourceDropNetwork,
		},
		"wasi:sockets/instance-network": {
			"instance-network": h.InstanceNetwork,
		},
		"wasi:sockets/ip-name-lookup": {
			"resolve-addresses": h.ResolveAddresses,
			"[method]resolve-address-stream.resolve-next-address": h.MethodResolveAddressStreamResolveNextAddress,
		},
		"wasi:sockets/tcp": {
			"[method]tcp-socket.start-bind":     h.MethodTCPSocketStartBind,
			"[method]tcp-socket.finish-bind":    h.MethodTCPSocketFinishBind,
			"[method]tcp-socket.start-connect":  h.MethodTCPSocketStartConnect,
			"[method]tcp-socket.finish-connect": h.MethodTCPSocketFinishConnect,
			"[method]tcp-socket.start-listen":   h.MethodTCPSocketStartListen,
			"[method]tcp-socket.finish-listen":  h.MethodTCPSocketFinishListen,
			"[method]tcp-socket.accept":         h.MethodTCPSocketAccept,
			"[method]tcp-socket.subscribe":      h.MethodTCPSocketSubscribe,
			"[method]tcp-socket.shutdown":       h.MethodTCPSocketShutdown,
			"[resource-drop]tcp-socket":         h.ResourceDropTCPSocket,
		},
		"wasi:sockets/tcp-create-socket": {
			"create-tcp-socket": h.CreateTCPSocket,
		},
		"wasi:sockets/udp": {
			"[method]udp-socket.start-bind":  h.MethodUDPSocketStartBind,
			"[method]udp-socket.finish-bind": h.MethodUDPSocketFinishBind,
			"[method]udp-socket.stream":      h.MethodUDPSocketStream,
			"[method]udp-socket.subscribe":   h.MethodUDPSocketSubscribe,
			"[resource-drop]udp-socket":      h.ResourceDropUDPSocket,
		},
		"wasi:sockets/udp-create-socket": {
			"create-udp-socket": h.CreateUDPSocket,
		},
	}
}

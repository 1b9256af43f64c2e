package socket

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
)

// ephemeralStart is the first port handed out for port 0 binds.
const ephemeralStart = 40000

// Option configures a Layer.
type Option func(*Layer)

// WithTransport selects the transport. The default is a private Loopback.
func WithTransport(t Transport) Option {
	return func(l *Layer) { l.transport = t }
}

// connRef routes transport events for one connection.
type connRef struct {
	sock *Socket
	peer *peer
}

// Layer manages sockets whose descriptors live in the descriptor table of
// a vfs.FS. All methods must be called from the goroutine that owns the
// FS; transports communicate only through the inbox.
type Layer struct {
	fs        *vfs.FS
	transport Transport
	inbox     *Inbox
	ctx       context.Context
	cancel    context.CancelFunc

	sockets  map[uint64]*Socket
	conns    map[Conn]connRef
	ports    map[uint16]bool
	nextPort uint16
}

// New returns a socket layer sharing the descriptor table of fs.
func New(fs *vfs.FS, opts ...Option) *Layer {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Layer{
		fs:       fs,
		inbox:    NewInbox(),
		ctx:      ctx,
		cancel:   cancel,
		sockets:  make(map[uint64]*Socket),
		conns:    make(map[Conn]connRef),
		ports:    make(map[uint16]bool),
		nextPort: ephemeralStart,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.transport == nil {
		l.transport = NewLoopback()
	}
	return l
}

// Inbox returns the queue transports post to. Callers may Wait on it
// before retrying an operation that returned WouldBlock.
func (l *Layer) Inbox() *Inbox { return l.inbox }

// Close closes every socket of the layer and stops transport work.
func (l *Layer) Close() error {
	var errs []error
	for _, s := range l.sockets {
		if s.stream != nil && !s.stream.IsClosed() {
			if err := l.fs.Close(s.stream); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		l.release(s)
	}
	l.cancel()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Socket creates a socket and installs it at the smallest free descriptor.
func (l *Layer) Socket(family Family, typ Type, protocol int) (*Socket, error) {
	const op = "socket"
	if family != AF_INET && family != AF_INET6 {
		return nil, errors.Unsupported(op, family.String())
	}
	if typ != SOCK_STREAM && typ != SOCK_DGRAM {
		return nil, errors.Unsupported(op, typ.String())
	}
	s := l.newSocket(family, typ, protocol)
	if err := l.install(s, vfs.O_RDWR); err != nil {
		l.release(s)
		return nil, err
	}
	Logger().Debug("socket created",
		zap.Int("fd", s.FD()), zap.Stringer("family", family), zap.Stringer("type", typ))
	return s, nil
}

func (l *Layer) newSocket(family Family, typ Type, protocol int) *Socket {
	s := &Socket{
		layer:    l,
		family:   family,
		typ:      typ,
		protocol: protocol,
		peers:    make(map[string]*peer),
	}
	s.node = l.fs.NewSocketNode(s)
	l.sockets[s.node.ID()] = s
	return s
}

func (l *Layer) install(s *Socket, flags int) error {
	stream, err := l.fs.CreateStream(s.node, flags, ops{sock: s})
	if err != nil {
		return err
	}
	s.stream = stream
	return nil
}

// Get returns the socket installed at fd.
func (l *Layer) Get(fd int) (*Socket, error) {
	stream, err := l.fs.GetStream(fd)
	if err != nil {
		return nil, err
	}
	s, ok := stream.Node().Owner().(*Socket)
	if !ok || s.layer != l {
		return nil, errors.New("socket", errors.KindNotSupported).Detail("fd %d is not a socket", fd).Build()
	}
	return s, nil
}

// Bind assigns the local address. Port 0 picks an ephemeral port.
// Datagram sockets start receiving immediately.
func (l *Layer) Bind(fd int, addr string, port uint16) error {
	const op = "bind"
	s, err := l.Get(fd)
	if err != nil {
		return err
	}
	l.drain()
	if err := checkAddr(op, s.family, addr); err != nil {
		return err
	}
	return l.bind(op, s, addr, port)
}

func (l *Layer) bind(op string, s *Socket, addr string, port uint16) error {
	if s.state != StateUnbound {
		return errors.InvalidArgument(op, "already bound")
	}
	if port == 0 {
		port = l.ephemeral()
	} else if l.ports[port] {
		return errors.E(op, errors.KindAddressInUse, Addr{Host: addr, Port: port}.String())
	}
	s.local = Addr{Host: addr, Port: port}
	s.ownsPort = true
	l.ports[port] = true
	s.setState(StateBound)

	if s.typ == SOCK_DGRAM {
		ln, err := l.transport.Listen(l.ctx, s.typ, s.local, s.node.ID(), l.inbox)
		if err != nil {
			Logger().Debug("datagram listen failed", zap.Stringer("addr", s.local), zap.Error(err))
			return nil
		}
		s.listener = ln
	}
	return nil
}

func (l *Layer) ephemeral() uint16 {
	for l.ports[l.nextPort] {
		l.nextPort++
		if l.nextPort == 0 {
			l.nextPort = ephemeralStart
		}
	}
	p := l.nextPort
	l.nextPort++
	return p
}

// Listen makes a stream socket accept connections. An unbound socket is
// bound to the wildcard address first.
func (l *Layer) Listen(fd int, backlog int) error {
	const op = "listen"
	s, err := l.Get(fd)
	if err != nil {
		return err
	}
	l.drain()
	if s.typ != SOCK_STREAM {
		return errors.Unsupported(op, "datagram sockets")
	}
	switch s.state {
	case StateListening:
		return nil
	case StateUnbound:
		if err := l.bind(op, s, anyAddr(s.family), 0); err != nil {
			return err
		}
	case StateBound:
	default:
		return errors.InvalidArgument(op, "socket is "+s.state.String())
	}

	ln, err := l.transport.Listen(l.ctx, s.typ, s.local, s.node.ID(), l.inbox)
	if err != nil {
		return errors.WithOp(err, op, s.local.String())
	}
	s.listener = ln
	s.local = ln.Addr()
	s.setState(StateListening)
	Logger().Debug("listening", zap.Int("fd", fd), zap.Stringer("addr", s.local), zap.Int("backlog", backlog))
	return nil
}

// Connect registers addr:port as the peer and starts the transport
// connection. A new connection returns WouldBlock; it is usable once Poll
// reports POLLOUT. Datagram sockets reuse a peer that is already open.
func (l *Layer) Connect(fd int, addr string, port uint16) error {
	const op = "connect"
	s, err := l.Get(fd)
	if err != nil {
		return err
	}
	l.drain()
	if err := checkAddr(op, s.family, addr); err != nil {
		return err
	}
	if s.state == StateListening {
		return errors.Unsupported(op, "listening socket")
	}
	if s.typ == SOCK_STREAM {
		if p := s.defaultPeer(); p != nil && !p.closed {
			if p.open {
				return errors.InvalidArgument(op, "already connected")
			}
			return errors.E(op, errors.KindBusy, s.remote.String())
		}
	}
	if s.state == StateUnbound {
		if err := l.bind(op, s, anyAddr(s.family), 0); err != nil {
			return err
		}
	}

	remote := Addr{Host: addr, Port: port}
	p := l.createPeer(s, remote)
	s.remote = remote
	if p.open {
		s.setState(StateConnected)
		return nil
	}
	s.setState(StateConnecting)
	return errors.E(op, errors.KindWouldBlock, remote.String())
}

// createPeer returns the peer for remote, dialing a new connection unless
// a live one exists.
func (l *Layer) createPeer(s *Socket, remote Addr) *peer {
	key := remote.String()
	if p, ok := s.peers[key]; ok && !p.closed {
		return p
	}
	p := &peer{addr: remote}
	s.peers[key] = p

	conn, err := l.transport.Dial(l.ctx, s.typ, s.local, remote, l.inbox)
	if err != nil {
		p.err = err
		p.closed = true
		return p
	}
	p.conn = conn
	l.conns[conn] = connRef{sock: s, peer: p}
	return p
}

// Accept pops a pending connection of a listening socket and installs it
// at the smallest free descriptor.
func (l *Layer) Accept(fd int) (*Socket, error) {
	const op = "accept"
	s, err := l.Get(fd)
	if err != nil {
		return nil, err
	}
	l.drain()
	if s.state != StateListening {
		return nil, errors.InvalidArgument(op, "socket is not listening")
	}
	if len(s.pending) == 0 {
		return nil, errors.E(op, errors.KindWouldBlock, s.local.String())
	}
	ns := s.pending[0]
	if err := l.install(ns, s.stream.Flags()); err != nil {
		return nil, errors.WithOp(err, op, s.local.String())
	}
	s.pending = s.pending[1:]
	Logger().Debug("accepted", zap.Int("fd", ns.FD()), zap.Stringer("peer", ns.remote))
	return ns, nil
}

// Send writes data to the connected peer, or to addr for datagram sockets.
func (l *Layer) Send(fd int, data []byte, addr Addr) (int, error) {
	s, err := l.Get(fd)
	if err != nil {
		return 0, err
	}
	return l.sendTo(s, data, addr)
}

func (l *Layer) sendTo(s *Socket, data []byte, addr Addr) (int, error) {
	const op = "send"
	l.drain()
	if s.state == StateClosed {
		return 0, errors.E(op, errors.KindBadFileDescriptor, "")
	}
	if s.wrShut {
		return 0, errors.E(op, errors.KindNotConnected, "write side shut down")
	}

	if s.typ == SOCK_DGRAM {
		if addr.IsZero() {
			addr = s.remote
		}
		if addr.IsZero() {
			return 0, errors.E(op, errors.KindNotConnected, "no destination")
		}
		if s.state == StateUnbound {
			if err := l.bind(op, s, anyAddr(s.family), 0); err != nil {
				return 0, err
			}
		}
		p := l.createPeer(s, addr)
		if p.err != nil {
			return 0, errors.WithOp(p.err, op, addr.String())
		}
		if !p.open {
			buf := make([]byte, len(data))
			copy(buf, data)
			p.sendQueue = append(p.sendQueue, buf)
			return len(data), nil
		}
		if err := p.conn.Send(data); err != nil {
			return 0, errors.WithOp(err, op, addr.String())
		}
		return len(data), nil
	}

	p := s.defaultPeer()
	switch {
	case p == nil:
		return 0, errors.E(op, errors.KindNotConnected, "")
	case p.err != nil:
		return 0, errors.WithOp(p.err, op, p.addr.String())
	case p.closed:
		return 0, errors.E(op, errors.KindNotConnected, p.addr.String())
	case !p.open:
		return 0, errors.E(op, errors.KindWouldBlock, p.addr.String())
	}
	if err := p.conn.Send(data); err != nil {
		p.closed = true
		return 0, errors.Wrap(op, errors.KindNotConnected, err, p.addr.String())
	}
	return len(data), nil
}

// Recv reads up to n bytes. Stream sockets return an empty slice once the
// peer has closed and the queue is drained. A zero n reads nothing and
// leaves queued data in place.
func (l *Layer) Recv(fd int, n int) ([]byte, Addr, error) {
	s, err := l.Get(fd)
	if err != nil {
		return nil, Addr{}, err
	}
	return l.recvFrom(s, n)
}

func (l *Layer) recvFrom(s *Socket, n int) ([]byte, Addr, error) {
	const op = "recv"
	if n < 0 {
		return nil, Addr{}, errors.InvalidArgument(op, "negative length")
	}
	l.drain()
	if s.state == StateClosed {
		return nil, Addr{}, errors.E(op, errors.KindBadFileDescriptor, "")
	}
	if n == 0 && len(s.recv) > 0 {
		return []byte{}, s.recv[0].from, nil
	}

	if len(s.recv) == 0 {
		if s.typ == SOCK_DGRAM {
			return nil, Addr{}, errors.E(op, errors.KindWouldBlock, "")
		}
		if s.rdShut {
			return []byte{}, s.remote, nil
		}
		p := s.defaultPeer()
		switch {
		case p == nil:
			return nil, Addr{}, errors.E(op, errors.KindNotConnected, "")
		case p.err != nil:
			return nil, Addr{}, errors.WithOp(p.err, op, p.addr.String())
		case p.eof || p.closed:
			return []byte{}, p.addr, nil
		default:
			return nil, Addr{}, errors.E(op, errors.KindWouldBlock, p.addr.String())
		}
	}

	pkt := s.recv[0]
	s.recv = s.recv[1:]
	if len(pkt.data) <= n {
		return pkt.data, pkt.from, nil
	}
	out := pkt.data[:n]
	if s.typ == SOCK_STREAM {
		rest := packet{from: pkt.from, data: pkt.data[n:]}
		s.recv = append([]packet{rest}, s.recv...)
	}
	return out, pkt.from, nil
}

// Poll returns the readiness mask of the socket at fd.
func (l *Layer) Poll(fd int) (uint32, error) {
	s, err := l.Get(fd)
	if err != nil {
		return 0, err
	}
	return l.poll(s), nil
}

func (l *Layer) poll(s *Socket) uint32 {
	l.drain()
	if s.state == StateListening {
		if len(s.pending) > 0 {
			return vfs.POLLRDNORM | vfs.POLLIN
		}
		return 0
	}

	var dest *peer
	if s.typ == SOCK_STREAM {
		dest = s.defaultPeer()
	}
	closed := s.state == StateClosed

	var mask uint32
	gone := dest != nil && (dest.eof || dest.closed)
	if len(s.recv) > 0 || dest == nil || gone || closed {
		mask |= vfs.POLLRDNORM | vfs.POLLIN
	}
	if dest == nil || (dest.open && !dest.closed) {
		mask |= vfs.POLLOUT
	}
	if gone || closed {
		mask |= vfs.POLLHUP
	}
	return mask
}

// GetName returns the local address.
func (l *Layer) GetName(fd int) (Addr, error) {
	s, err := l.Get(fd)
	if err != nil {
		return Addr{}, err
	}
	return s.local, nil
}

// GetPeerName returns the connected peer address.
func (l *Layer) GetPeerName(fd int) (Addr, error) {
	s, err := l.Get(fd)
	if err != nil {
		return Addr{}, err
	}
	l.drain()
	if s.remote.IsZero() {
		return Addr{}, errors.E("getpeername", errors.KindNotConnected, "")
	}
	return s.remote, nil
}

// Shutdown closes one or both directions of a connected stream socket.
func (l *Layer) Shutdown(fd int, how int) error {
	const op = "shutdown"
	s, err := l.Get(fd)
	if err != nil {
		return err
	}
	l.drain()
	if how != SHUT_RD && how != SHUT_WR && how != SHUT_RDWR {
		return errors.InvalidArgument(op, "bad direction")
	}
	p := s.defaultPeer()
	if p == nil || !p.open {
		return errors.E(op, errors.KindNotConnected, "")
	}
	if how != SHUT_WR {
		s.rdShut = true
		s.recv = nil
	}
	if how != SHUT_RD && !s.wrShut {
		s.wrShut = true
		if hc, ok := p.conn.(halfCloser); ok {
			return errors.WithOp(hc.CloseWrite(), op, p.addr.String())
		}
	}
	return nil
}

// CloseFD closes fd. The socket is torn down with its last descriptor.
func (l *Layer) CloseFD(fd int) error {
	if _, err := l.Get(fd); err != nil {
		return err
	}
	stream, err := l.fs.GetStream(fd)
	if err != nil {
		return err
	}
	return l.fs.Close(stream)
}

// release tears down a socket once its last descriptor is gone.
func (l *Layer) release(s *Socket) {
	if s.state == StateClosed {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	for _, p := range s.peers {
		if p.conn != nil {
			_ = p.conn.Close()
			delete(l.conns, p.conn)
		}
	}
	for _, ns := range s.pending {
		l.release(ns)
	}
	s.pending = nil
	s.recv = nil
	if s.ownsPort {
		delete(l.ports, s.local.Port)
	}
	s.setState(StateClosed)
	delete(l.sockets, s.node.ID())
	l.fs.DestroyNode(s.node)
}

// Drain applies queued transport events. Every operation drains first.
func (l *Layer) Drain() { l.drain() }

func (l *Layer) drain() {
	for _, ev := range l.inbox.drain() {
		l.apply(ev)
	}
}

func (l *Layer) apply(ev Event) {
	if ev.Kind == EventIncoming {
		l.incoming(ev)
		return
	}
	ref, ok := l.conns[ev.Conn]
	if !ok {
		return
	}
	s, p := ref.sock, ref.peer

	switch ev.Kind {
	case EventOpen:
		p.open = true
		for len(p.sendQueue) > 0 && !p.closed {
			if err := p.conn.Send(p.sendQueue[0]); err != nil {
				p.err = err
				p.closed = true
				break
			}
			p.sendQueue = p.sendQueue[1:]
		}
		if s.state == StateConnecting && s.defaultPeer() == p {
			s.setState(StateConnected)
		}
	case EventMessage:
		if s.rdShut {
			return
		}
		s.recv = append(s.recv, packet{from: p.addr, data: ev.Data})
	case EventClose:
		p.eof = true
		if s.typ == SOCK_DGRAM {
			p.closed = true
			delete(s.peers, p.addr.String())
			delete(l.conns, ev.Conn)
		}
	case EventError:
		p.err = ev.Err
		p.closed = true
		Logger().Debug("peer error", zap.Int("fd", s.FD()), zap.Stringer("peer", p.addr), zap.Error(ev.Err))
		if s.state == StateConnecting && s.defaultPeer() == p {
			s.setState(StateBound)
		}
	}
}

// incoming attaches a connection accepted by a transport listener.
func (l *Layer) incoming(ev Event) {
	s, ok := l.sockets[ev.Owner]
	if !ok || s.state == StateClosed {
		_ = ev.Conn.Close()
		return
	}
	p := &peer{addr: ev.Remote, conn: ev.Conn, open: true}

	if s.typ == SOCK_DGRAM {
		key := ev.Remote.String()
		if old, ok := s.peers[key]; ok && old.conn != nil {
			delete(l.conns, old.conn)
			_ = old.conn.Close()
		}
		s.peers[key] = p
		l.conns[ev.Conn] = connRef{sock: s, peer: p}
		return
	}

	ns := l.newSocket(s.family, s.typ, s.protocol)
	ns.local = s.local
	ns.remote = ev.Remote
	ns.peers[ev.Remote.String()] = p
	ns.state = StateConnected
	l.conns[ev.Conn] = connRef{sock: ns, peer: p}
	s.pending = append(s.pending, ns)
}

package socket

import (
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
)

// Family is the address family of a socket.
type Family uint8

const (
	AF_INET  Family = 2
	AF_INET6 Family = 10
)

func (f Family) String() string {
	switch f {
	case AF_INET:
		return "inet"
	case AF_INET6:
		return "inet6"
	default:
		return "family(" + strconv.Itoa(int(f)) + ")"
	}
}

// Type is the communication style of a socket.
type Type uint8

const (
	SOCK_STREAM Type = 1
	SOCK_DGRAM  Type = 2
)

func (t Type) String() string {
	switch t {
	case SOCK_STREAM:
		return "stream"
	case SOCK_DGRAM:
		return "dgram"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// Shutdown directions.
const (
	SHUT_RD   = 0
	SHUT_WR   = 1
	SHUT_RDWR = 2
)

// State is the lifecycle stage of a socket.
type State uint8

const (
	StateUnbound State = iota
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Addr is a host address and port.
type Addr struct {
	Host string
	Port uint16
}

// String returns the peer map key form host:port.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether no address was set.
func (a Addr) IsZero() bool { return a.Host == "" && a.Port == 0 }

// checkAddr validates host against the socket family.
func checkAddr(op string, family Family, host string) error {
	ip := net.ParseIP(host)
	if ip == nil {
		return errors.InvalidArgument(op, fmt.Sprintf("bad address %q", host))
	}
	if family == AF_INET && ip.To4() == nil {
		return errors.InvalidArgument(op, fmt.Sprintf("%s is not an inet address", host))
	}
	return nil
}

// anyAddr is the wildcard address of the family.
func anyAddr(family Family) string {
	if family == AF_INET6 {
		return "::"
	}
	return "0.0.0.0"
}

// peer is one remote endpoint of a socket.
type peer struct {
	addr      Addr
	conn      Conn
	open      bool
	eof       bool
	closed    bool
	err       error
	sendQueue [][]byte
}

// packet is a received chunk with its source.
type packet struct {
	from Addr
	data []byte
}

// Socket is one endpoint owned by a Layer. Every socket is backed by an
// anonymous vfs node and, once installed, a stream in the descriptor table.
type Socket struct {
	layer    *Layer
	family   Family
	typ      Type
	protocol int
	state    State

	local    Addr
	remote   Addr
	peers    map[string]*peer
	pending  []*Socket
	recv     []packet
	listener Listener

	ownsPort bool
	rdShut   bool
	wrShut   bool

	node   *vfs.Node
	stream *vfs.Stream
}

func (s *Socket) Family() Family      { return s.family }
func (s *Socket) Type() Type          { return s.typ }
func (s *Socket) Protocol() int       { return s.protocol }
func (s *Socket) State() State        { return s.state }
func (s *Socket) Stream() *vfs.Stream { return s.stream }
func (s *Socket) Node() *vfs.Node     { return s.node }

// FD returns the descriptor of the socket, or -1 before it is installed.
func (s *Socket) FD() int {
	if s.stream == nil {
		return -1
	}
	return s.stream.FD()
}

// Queued returns the number of received chunks waiting to be read.
func (s *Socket) Queued() int { return len(s.recv) }

// defaultPeer returns the connected peer, if any.
func (s *Socket) defaultPeer() *peer {
	if s.remote.IsZero() {
		return nil
	}
	return s.peers[s.remote.String()]
}

func (s *Socket) setState(st State) {
	if s.state == st {
		return
	}
	Logger().Debug("socket state",
		zap.Int("fd", s.FD()), zap.Stringer("from", s.state), zap.Stringer("to", st))
	s.state = st
}

// ops adapts a socket to vfs stream operations.
type ops struct {
	sock *Socket
}

var (
	_ vfs.StreamOps = ops{}
	_ vfs.Poller    = ops{}
)

func (o ops) Read(_ *vfs.Stream, dst []byte, _ int64) (int, error) {
	data, _, err := o.sock.layer.recvFrom(o.sock, len(dst))
	if err != nil {
		return 0, err
	}
	return copy(dst, data), nil
}

func (o ops) Write(_ *vfs.Stream, src []byte, _ int64) (int, error) {
	return o.sock.layer.sendTo(o.sock, src, Addr{})
}

func (o ops) Close(_ *vfs.Stream) error {
	o.sock.layer.release(o.sock)
	return nil
}

func (o ops) Poll(_ *vfs.Stream) uint32 {
	return o.sock.layer.poll(o.sock)
}

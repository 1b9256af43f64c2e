package socket

import (
	"context"
	"sync"

	"github.com/wippyai/wasm-vfs/errors"
)

// Loopback is an in-process transport. Several layers sharing one Loopback
// can reach each other. Delivery is in order and happens on the next drain
// of the receiving inbox.
type Loopback struct {
	mu        sync.Mutex
	listeners map[string]*loopListener
}

// NewLoopback returns an empty loopback network.
func NewLoopback() *Loopback {
	return &Loopback{listeners: make(map[string]*loopListener)}
}

type loopListener struct {
	lb    *Loopback
	key   string
	addr  Addr
	typ   Type
	owner uint64
	in    *Inbox
}

func (l *loopListener) Addr() Addr { return l.addr }

func (l *loopListener) Close() error {
	l.lb.mu.Lock()
	defer l.lb.mu.Unlock()
	if l.lb.listeners[l.key] == l {
		delete(l.lb.listeners, l.key)
	}
	return nil
}

// loopKey ignores the host for wildcard listeners.
func loopKey(typ Type, a Addr) string {
	return typ.String() + "/" + a.String()
}

func (lb *Loopback) Listen(_ context.Context, typ Type, local Addr, owner uint64, in *Inbox) (Listener, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	key := loopKey(typ, local)
	if _, ok := lb.listeners[key]; ok {
		return nil, errors.E("listen", errors.KindAddressInUse, local.String())
	}
	l := &loopListener{lb: lb, key: key, addr: local, typ: typ, owner: owner, in: in}
	lb.listeners[key] = l
	return l, nil
}

// find resolves remote to a listener, falling back to wildcard binds.
func (lb *Loopback) find(typ Type, remote Addr) *loopListener {
	if l, ok := lb.listeners[loopKey(typ, remote)]; ok {
		return l
	}
	for _, host := range []string{"0.0.0.0", "::"} {
		if l, ok := lb.listeners[loopKey(typ, Addr{Host: host, Port: remote.Port})]; ok {
			return l
		}
	}
	return nil
}

func (lb *Loopback) Dial(_ context.Context, typ Type, local, remote Addr, in *Inbox) (Conn, error) {
	lb.mu.Lock()
	l := lb.find(typ, remote)
	lb.mu.Unlock()

	c := &loopConn{in: in, name: local.String() + "->" + remote.String()}
	if l == nil {
		in.Post(Event{Kind: EventError, Conn: c,
			Err: errors.E("connect", errors.KindConnectionRefused, remote.String())})
		return c, nil
	}

	back := &loopConn{in: l.in, name: remote.String() + "->" + local.String()}
	c.peer, back.peer = back, c
	l.in.Post(Event{Kind: EventIncoming, Conn: back, Owner: l.owner, Remote: local})
	in.Post(Event{Kind: EventOpen, Conn: c})
	return c, nil
}

// loopConn is one direction-aware end of a loopback pair.
type loopConn struct {
	mu     sync.Mutex
	in     *Inbox
	peer   *loopConn
	name   string
	wrDone bool
	closed bool
}

func (c *loopConn) String() string { return "loop:" + c.name }

func (c *loopConn) Send(data []byte) error {
	c.mu.Lock()
	done := c.wrDone || c.peer == nil
	c.mu.Unlock()
	if done {
		return errors.E("send", errors.KindNotConnected, c.name)
	}
	if c.peer.isClosed() {
		return errors.E("send", errors.KindConnectionRefused, c.name)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.peer.in.Post(Event{Kind: EventMessage, Conn: c.peer, Data: buf})
	return nil
}

func (c *loopConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseWrite tells the peer no more data follows.
func (c *loopConn) CloseWrite() error {
	c.mu.Lock()
	if c.wrDone {
		c.mu.Unlock()
		return nil
	}
	c.wrDone = true
	c.mu.Unlock()
	if c.peer != nil {
		c.peer.in.Post(Event{Kind: EventClose, Conn: c.peer})
	}
	return nil
}

func (c *loopConn) Close() error {
	if err := c.CloseWrite(); err != nil {
		return err
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

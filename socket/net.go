package socket

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
)

// readChunk is the receive buffer size of host connections.
const readChunk = 64 << 10

// NetTransport carries stream sockets over host TCP. Datagram sockets are
// not supported.
type NetTransport struct {
	Dialer net.Dialer
}

func (t *NetTransport) Listen(ctx context.Context, typ Type, local Addr, owner uint64, in *Inbox) (Listener, error) {
	if typ != SOCK_STREAM {
		return nil, errors.Unsupported("listen", "datagram sockets over host network")
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", local.String())
	if err != nil {
		return nil, mapNetError("listen", err)
	}

	l := &netListener{ln: ln, addr: local}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		l.addr = Addr{Host: local.Host, Port: uint16(tcpAddr.Port)}
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !stderrors.Is(err, net.ErrClosed) {
					Logger().Debug("accept failed", zap.String("addr", l.addr.String()), zap.Error(err))
				}
				return
			}
			c := &netConn{conn: conn}
			in.Post(Event{Kind: EventIncoming, Conn: c, Owner: owner, Remote: hostAddr(conn.RemoteAddr())})
			go c.readLoop(in)
		}
	}()

	return l, nil
}

func (t *NetTransport) Dial(ctx context.Context, typ Type, _, remote Addr, in *Inbox) (Conn, error) {
	if typ != SOCK_STREAM {
		return nil, errors.Unsupported("connect", "datagram sockets over host network")
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &netConn{cancel: cancel}

	go func() {
		conn, err := t.Dialer.DialContext(ctx, "tcp", remote.String())

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.mu.Unlock()
			in.Post(Event{Kind: EventError, Conn: c, Err: mapNetError("connect", err)})
			return
		}
		c.conn = conn
		c.mu.Unlock()

		in.Post(Event{Kind: EventOpen, Conn: c})
		c.readLoop(in)
	}()

	return c, nil
}

type netListener struct {
	ln   net.Listener
	addr Addr
}

func (l *netListener) Addr() Addr   { return l.addr }
func (l *netListener) Close() error { return l.ln.Close() }

// netConn wraps a host connection that may still be dialing.
type netConn struct {
	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	closed bool
}

func (c *netConn) readLoop(in *Inbox) {
	buf := make([]byte, readChunk)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			in.Post(Event{Kind: EventMessage, Conn: c, Data: data})
		}
		if err != nil {
			if err == io.EOF || stderrors.Is(err, net.ErrClosed) {
				in.Post(Event{Kind: EventClose, Conn: c})
			} else {
				in.Post(Event{Kind: EventError, Conn: c, Err: mapNetError("recv", err)})
			}
			return
		}
	}
}

func (c *netConn) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.E("send", errors.KindNotConnected, "")
	}
	if _, err := conn.Write(data); err != nil {
		return mapNetError("send", err)
	}
	return nil
}

func (c *netConn) CloseWrite() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return mapNetError("shutdown", err)
		}
		return nil
	}
	return c.Close()
}

func (c *netConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func hostAddr(a net.Addr) Addr {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return Addr{}
	}
	p, _ := strconv.Atoi(port)
	return Addr{Host: host, Port: uint16(p)}
}

// mapNetError converts host network errors to error kinds.
func mapNetError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errors.FromHostErrno(op, errno)
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return errors.Wrap(op, errors.KindUnreachable, err, dnsErr.Name)
	}
	var addrErr *net.AddrError
	if stderrors.As(err, &addrErr) {
		return errors.Wrap(op, errors.KindInvalidArgument, err, addrErr.Addr)
	}
	if os.IsTimeout(err) {
		return errors.Wrap(op, errors.KindUnreachable, err, "timeout")
	}
	if os.IsPermission(err) {
		return errors.Wrap(op, errors.KindPermissionDenied, err, "")
	}
	return errors.Wrap(op, errors.KindIO, err, "")
}

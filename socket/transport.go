package socket

import (
	"context"
	"sync"
)

// Conn is one transport connection to a peer. Send must not block on the
// remote side.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// halfCloser is implemented by connections that can stop sending while
// still receiving.
type halfCloser interface {
	CloseWrite() error
}

// Listener accepts connections for a bound socket.
type Listener interface {
	Addr() Addr
	Close() error
}

// Transport carries socket traffic. Implementations report progress only
// by posting events to the inbox they were handed; they never call back
// into the Layer.
type Transport interface {
	// Listen starts accepting connections on local. Incoming connections
	// are posted as EventIncoming tagged with owner.
	Listen(ctx context.Context, typ Type, local Addr, owner uint64, in *Inbox) (Listener, error)

	// Dial starts connecting to remote and returns at once. Completion is
	// posted as EventOpen or EventError for the returned connection.
	Dial(ctx context.Context, typ Type, local, remote Addr, in *Inbox) (Conn, error)
}

// EventKind identifies a transport event.
type EventKind uint8

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClose
	EventError
	EventIncoming
)

// Event is a transport notification.
type Event struct {
	Kind EventKind
	Conn Conn
	Data []byte
	Err  error

	// Owner and Remote are set for EventIncoming.
	Owner  uint64
	Remote Addr
}

// Inbox is the queue between transport goroutines and the Layer.
type Inbox struct {
	mu     sync.Mutex
	events []Event
	ready  chan struct{}
}

// NewInbox returns an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{ready: make(chan struct{}, 1)}
}

// Post appends an event. It is safe for concurrent use.
func (in *Inbox) Post(ev Event) {
	in.mu.Lock()
	in.events = append(in.events, ev)
	in.mu.Unlock()

	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of queued events.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.events)
}

// Wait blocks until an event is queued or ctx ends.
func (in *Inbox) Wait(ctx context.Context) error {
	if in.Len() > 0 {
		return nil
	}
	select {
	case <-in.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Inbox) drain() []Event {
	in.mu.Lock()
	defer in.mu.Unlock()
	events := in.events
	in.events = nil
	return events
}

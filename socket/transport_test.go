package socket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/wasm-vfs/errors"
)

func TestInbox_ConcurrentPost(t *testing.T) {
	in := NewInbox()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				in.Post(Event{Kind: EventMessage})
			}
		}()
	}
	wg.Wait()

	if in.Len() != 800 {
		t.Fatalf("expected 800 events, got %d", in.Len())
	}
	if got := len(in.drain()); got != 800 {
		t.Errorf("expected to drain 800, got %d", got)
	}
	if in.Len() != 0 {
		t.Error("inbox not empty after drain")
	}
}

func TestInbox_Wait(t *testing.T) {
	in := NewInbox()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := in.Wait(ctx); err == nil {
		t.Fatal("wait on an empty inbox should time out")
	}

	go in.Post(Event{Kind: EventOpen})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := in.Wait(ctx2); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestLoopback_ListenConflicts(t *testing.T) {
	lb := NewLoopback()
	in := NewInbox()
	addr := Addr{Host: "127.0.0.1", Port: 80}

	ln, err := lb.Listen(context.Background(), SOCK_STREAM, addr, 1, in)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, err = lb.Listen(context.Background(), SOCK_STREAM, addr, 2, in)
	expectKind(t, err, errors.KindAddressInUse)

	// Datagram and stream ports are separate.
	if _, err := lb.Listen(context.Background(), SOCK_DGRAM, addr, 3, in); err != nil {
		t.Fatalf("datagram listen: %v", err)
	}

	ln.Close()
	if _, err := lb.Listen(context.Background(), SOCK_STREAM, addr, 4, in); err != nil {
		t.Fatalf("listen after close: %v", err)
	}
}

func TestLoopback_DialAndSend(t *testing.T) {
	lb := NewLoopback()
	srvIn, cliIn := NewInbox(), NewInbox()
	if _, err := lb.Listen(context.Background(), SOCK_STREAM, Addr{Host: "::", Port: 22}, 7, srvIn); err != nil {
		t.Fatalf("listen: %v", err)
	}

	local := Addr{Host: "::1", Port: 50000}
	c, err := lb.Dial(context.Background(), SOCK_STREAM, local, Addr{Host: "::1", Port: 22}, cliIn)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	evs := srvIn.drain()
	if len(evs) != 1 || evs[0].Kind != EventIncoming || evs[0].Owner != 7 || evs[0].Remote != local {
		t.Fatalf("unexpected server events %+v", evs)
	}
	back := evs[0].Conn
	if evs := cliIn.drain(); len(evs) != 1 || evs[0].Kind != EventOpen || evs[0].Conn != c {
		t.Fatalf("unexpected client events %+v", evs)
	}

	if err := c.Send([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	evs = srvIn.drain()
	if len(evs) != 1 || string(evs[0].Data) != "ping" || evs[0].Conn != back {
		t.Fatalf("unexpected delivery %+v", evs)
	}

	if err := back.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if evs := cliIn.drain(); len(evs) != 1 || evs[0].Kind != EventClose {
		t.Fatalf("expected close event, got %+v", evs)
	}
	expectKind(t, c.Send([]byte("late")), errors.KindConnectionRefused)
}

func TestLoopback_Refused(t *testing.T) {
	lb := NewLoopback()
	in := NewInbox()
	c, err := lb.Dial(context.Background(), SOCK_STREAM, Addr{}, Addr{Host: "127.0.0.1", Port: 1}, in)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	evs := in.drain()
	if len(evs) != 1 || evs[0].Kind != EventError || evs[0].Conn != c {
		t.Fatalf("expected error event, got %+v", evs)
	}
	expectKind(t, evs[0].Err, errors.KindConnectionRefused)
	expectKind(t, c.Send([]byte("x")), errors.KindNotConnected)
}

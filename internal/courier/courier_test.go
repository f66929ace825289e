package courier

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/supeer/internal/buffered"
)

// recv returns a channel fed with every message c receives.
func recv(c Courier) <-chan Message {
	ch := make(chan Message, 16)
	c.Events().Receive.On(func(m Message) { ch <- m })
	return ch
}

func expectMessage(t *testing.T, ch <-chan Message, timeout time.Duration) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(timeout):
		t.Fatalf("no message within %v", timeout)
		return Message{}
	}
}

func expectSilence(t *testing.T, ch <-chan Message, d time.Duration) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message from %s: %s", m.ID, m.Data)
	case <-time.After(d):
	}
}

func TestLocalSelfEchoSuppression(t *testing.T) {
	bus := NewBus()
	a, b := NewLocal(bus), NewLocal(bus)
	defer a.Discard()
	defer b.Discard()

	if a.ID() == b.ID() {
		t.Fatal("two couriers share an id")
	}

	fromA, fromB := recv(a), recv(b)

	if err := a.Broadcast(map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	m := expectMessage(t, fromB, time.Second)
	if m.ID != a.ID() {
		t.Errorf("sender id = %s, want %s", m.ID, a.ID())
	}
	if string(m.Data) != `{"hello":"world"}` {
		t.Errorf("data = %s", m.Data)
	}
	expectSilence(t, fromA, 50*time.Millisecond)
}

func TestLocalBusIsolation(t *testing.T) {
	a := NewLocal(NewBus())
	b := NewLocal(NewBus())
	defer a.Discard()
	defer b.Discard()

	fromB := recv(b)
	if err := a.Broadcast("x"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	expectSilence(t, fromB, 50*time.Millisecond)
}

func TestLocalDiscardOnce(t *testing.T) {
	bus := NewBus()
	a, b := NewLocal(bus), NewLocal(bus)
	defer b.Discard()

	var fired atomic.Int32
	a.Events().Discard.On(func(struct{}) { fired.Add(1) })

	a.Discard()
	a.Discard()

	if got := fired.Load(); got != 1 {
		t.Errorf("discard fired %d times, want 1", got)
	}
	if err := a.Broadcast("late"); !errors.Is(err, ErrDiscarded) {
		t.Errorf("Broadcast after discard = %v, want %v", err, ErrDiscarded)
	}
	if err := a.Ready(context.Background()); !errors.Is(err, ErrDiscarded) {
		t.Errorf("Ready after discard = %v, want %v", err, ErrDiscarded)
	}

	fromA := recv(a)
	if err := b.Broadcast("to nobody"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	expectSilence(t, fromA, 50*time.Millisecond)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	c := newCore("test")
	fired := 0
	c.events.Receive.On(func(Message) { fired++ })

	for _, raw := range []string{"not json", `{"data":1}`, `[1,2]`} {
		c.receive([]byte(raw))
	}
	c.receive([]byte(`{"id":"other","data":{"type":"join"}}`))

	if fired != 1 {
		t.Errorf("receive fired %d times, want 1", fired)
	}
}

// ---------------------------------------------------------------------------
// Signal server + Signal courier
// ---------------------------------------------------------------------------

func startSignalServer(t *testing.T, w buffered.Writer) *SignalServer {
	t.Helper()
	s, err := ListenSignalServer("127.0.0.1:0", w)
	if err != nil {
		t.Fatalf("ListenSignalServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func readySignal(t *testing.T, addr string, w buffered.Writer) *Signal {
	t.Helper()
	c := NewSignal(addr, w)
	t.Cleanup(c.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	return c
}

// waitForCount waits until the server has registered n connections.
func waitForCount(t *testing.T, s *SignalServer, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Count() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server has %d connections, want %d", s.Count(), n)
}

func TestSignalRelay(t *testing.T) {
	writers := map[string]buffered.Writer{
		"json":      {ChunkSize: 8},
		"cbor+zstd": {Codec: buffered.CBOR, Compressor: buffered.Zstd, ChunkSize: 8},
	}

	for name, w := range writers {
		t.Run(name, func(t *testing.T) {
			srv := startSignalServer(t, w)
			addr := srv.Addr().String()

			a := readySignal(t, addr, w)
			b := readySignal(t, addr, w)
			c := readySignal(t, addr, w)
			waitForCount(t, srv, 3)
			fromA, fromB, fromC := recv(a), recv(b), recv(c)

			payload := map[string]any{"type": "join", "code": "1.2.3.4:9001", "request": "sdp\nwith newline"}
			if err := a.Broadcast(payload); err != nil {
				t.Fatalf("Broadcast: %v", err)
			}

			for _, ch := range []<-chan Message{fromB, fromC} {
				m := expectMessage(t, ch, 5*time.Second)
				if m.ID != a.ID() {
					t.Errorf("sender id = %s, want %s", m.ID, a.ID())
				}
				var got map[string]any
				if err := json.Unmarshal(m.Data, &got); err != nil {
					t.Fatalf("decode data: %v", err)
				}
				if got["request"] != "sdp\nwith newline" {
					t.Errorf("request = %q", got["request"])
				}
			}
			expectSilence(t, fromA, 100*time.Millisecond)
		})
	}
}

func TestSignalServerDropsInvalidJSON(t *testing.T) {
	w := buffered.Writer{}
	srv := startSignalServer(t, w)

	left := make(chan string, 1)
	srv.Left.On(func(addr string) { left <- addr })

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frames, err := w.Encode([]byte("{not json"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(frames); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-left:
	case <-time.After(5 * time.Second):
		t.Fatal("connection with invalid JSON was not dropped")
	}
}

func TestSignalCourierDiscardOnServerClose(t *testing.T) {
	w := buffered.Writer{}
	srv := startSignalServer(t, w)
	c := readySignal(t, srv.Addr().String(), w)
	waitForCount(t, srv, 1)

	discarded := make(chan struct{})
	c.Events().Discard.On(func(struct{}) { close(discarded) })

	srv.Close()

	select {
	case <-discarded:
	case <-time.After(5 * time.Second):
		t.Fatal("courier not discarded after server close")
	}
}

func TestSignalReadyFailsWithoutServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	c := NewSignal(addr, buffered.Writer{})
	defer c.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ready(ctx); err == nil {
		t.Fatal("Ready succeeded without a server")
	}
}

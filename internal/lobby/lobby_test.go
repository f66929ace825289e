package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/peer"
)

// countingHost records how many offers were answered.
type countingHost struct {
	*peer.MemoryHost
	calls atomic.Int32
}

func (h *countingHost) Connect(ctx context.Context, offer string, out peer.CandidateFunc) (peer.Answer, error) {
	h.calls.Add(1)
	return h.MemoryHost.Connect(ctx, offer, out)
}

// spyCourier counts join broadcasts.
type spyCourier struct {
	*courier.Local
	joins atomic.Int32
}

func (s *spyCourier) Broadcast(data any) error {
	if m, ok := data.(Message); ok && m.Type == TypeJoin {
		s.joins.Add(1)
	}
	return s.Local.Broadcast(data)
}

var fastJoin = JoinOptions{RetryInterval: 50 * time.Millisecond, Timeout: 5 * time.Second}

func openLobby(t *testing.T, bus *courier.Bus, n *peer.MemoryNetwork, code string) (*Lobby, *countingHost) {
	t.Helper()
	hc := courier.NewLocal(bus)
	t.Cleanup(hc.Discard)

	host := &countingHost{MemoryHost: n.NewHost()}
	l := New(hc, host, code)
	t.Cleanup(l.Close)

	if err := l.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	return l, host
}

func TestJoin(t *testing.T) {
	bus, n := courier.NewBus(), peer.NewMemoryNetwork()
	_, host := openLobby(t, bus, n, "1.2.3.4:9001")

	gc := courier.NewLocal(bus)
	defer gc.Discard()
	guest := n.NewGuest()

	if err := Join(context.Background(), gc, guest, "1.2.3.4:9001", fastJoin); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if got := len(host.Connected()); got != 1 {
		t.Errorf("host has %d connected lines, want 1", got)
	}
	if n.Crossed() != 0 {
		t.Errorf("crossed candidates = %d", n.Crossed())
	}
}

// TestJoinConcurrentGuests joins several guests at once and checks that no
// candidate reaches the wrong session.
func TestJoinConcurrentGuests(t *testing.T) {
	bus, n := courier.NewBus(), peer.NewMemoryNetwork()
	_, host := openLobby(t, bus, n, "shared")

	const guests = 5
	var wg sync.WaitGroup
	errs := make(chan error, guests)

	for range guests {
		gc := courier.NewLocal(bus)
		defer gc.Discard()
		guest := n.NewGuest()

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Join(context.Background(), gc, guest, "shared", fastJoin)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Join: %v", err)
		}
	}
	if got := len(host.Connected()); got != guests {
		t.Errorf("host has %d connected lines, want %d", got, guests)
	}
	if n.Crossed() != 0 {
		t.Errorf("crossed candidates = %d, want 0", n.Crossed())
	}
	if got := host.calls.Load(); got != guests {
		t.Errorf("host answered %d offers, want %d", got, guests)
	}
}

func TestJoinTimeout(t *testing.T) {
	bus, n := courier.NewBus(), peer.NewMemoryNetwork()
	openLobby(t, bus, n, "existing-code")

	gc := &spyCourier{Local: courier.NewLocal(bus)}
	defer gc.Discard()

	start := time.Now()
	err := Join(context.Background(), gc, n.NewGuest(), "nonexistent-code",
		JoinOptions{RetryInterval: 50 * time.Millisecond, Timeout: 500 * time.Millisecond})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("Join error = %v, want %v", err, ErrJoinTimeout)
	}
	if !strings.Contains(err.Error(), "500ms") {
		t.Errorf("error %q does not mention 500ms", err)
	}
	if elapsed < 500*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("Join returned after %v, want about 500ms", elapsed)
	}
	if gc.joins.Load() < 2 {
		t.Errorf("join broadcast %d times, want retries", gc.joins.Load())
	}

	// No timer may keep re-broadcasting after the rejection.
	after := gc.joins.Load()
	time.Sleep(200 * time.Millisecond)
	if got := gc.joins.Load(); got != after {
		t.Errorf("join re-broadcast %d times after timeout", got-after)
	}
	if got := gc.Events().Receive.Len(); got != 0 {
		t.Errorf("%d receive listeners left on guest courier", got)
	}
}

func TestJoinContextCancel(t *testing.T) {
	bus, n := courier.NewBus(), peer.NewMemoryNetwork()
	gc := courier.NewLocal(bus)
	defer gc.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := Join(ctx, gc, n.NewGuest(), "nobody", JoinOptions{RetryInterval: 20 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Join error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestJoinDiscardedCourier(t *testing.T) {
	n := peer.NewMemoryNetwork()
	gc := courier.NewLocal(courier.NewBus())
	gc.Discard()

	err := Join(context.Background(), gc, n.NewGuest(), "x", fastJoin)
	if !errors.Is(err, courier.ErrDiscarded) {
		t.Errorf("Join error = %v, want %v", err, courier.ErrDiscarded)
	}
}

func TestLobbyRepeatedJoin(t *testing.T) {
	bus, n := courier.NewBus(), peer.NewMemoryNetwork()
	_, host := openLobby(t, bus, n, "repeat")

	gc := courier.NewLocal(bus)
	defer gc.Discard()
	accepts := make(chan Message, 4)
	gc.Events().Receive.On(func(m courier.Message) {
		var msg Message
		if json.Unmarshal(m.Data, &msg) == nil && msg.Type == TypeAccept && msg.ID == gc.ID() {
			accepts <- msg
		}
	})

	offer, err := n.NewGuest().CreateJoinRequest(context.Background())
	if err != nil {
		t.Fatalf("CreateJoinRequest: %v", err)
	}
	join := Message{Type: TypeJoin, Code: "repeat", Request: offer}

	if err := gc.Broadcast(join); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	first := waitAccept(t, accepts)

	if err := gc.Broadcast(join); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	second := waitAccept(t, accepts)

	if first.Response != second.Response {
		t.Errorf("repeated join answered with a new response")
	}
	if got := host.calls.Load(); got != 1 {
		t.Errorf("host answered %d offers, want 1", got)
	}
}

func waitAccept(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no accept received")
		return Message{}
	}
}

func TestLobbyCloseIdempotent(t *testing.T) {
	bus, n := courier.NewBus(), peer.NewMemoryNetwork()
	hc := courier.NewLocal(bus)
	defer hc.Discard()
	host := n.NewHost()

	l := New(hc, host, "closing")
	closed := 0
	l.Events().Close.On(func(struct{}) { closed++ })

	l.Close()
	l.Close()

	if closed != 1 {
		t.Errorf("close fired %d times, want 1", closed)
	}
	if l.IsOpen() {
		t.Error("lobby still open")
	}
	if got := hc.Events().Receive.Len(); got != 0 {
		t.Errorf("%d receive listeners left on host courier", got)
	}
	if got := hc.Events().Discard.Len(); got != 0 {
		t.Errorf("%d discard listeners left on host courier", got)
	}
	if got := host.Events().Disconnect.Len(); got != 0 {
		t.Errorf("%d disconnect listeners left on host", got)
	}
	if err := l.Ready(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ready after close = %v, want %v", err, ErrClosed)
	}

	gc := courier.NewLocal(bus)
	defer gc.Discard()
	err := Join(context.Background(), gc, n.NewGuest(), "closing",
		JoinOptions{RetryInterval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond})
	if !errors.Is(err, ErrJoinTimeout) {
		t.Errorf("Join on closed lobby = %v, want %v", err, ErrJoinTimeout)
	}
}

func TestLobbyClosesWithCourier(t *testing.T) {
	n := peer.NewMemoryNetwork()
	hc := courier.NewLocal(courier.NewBus())
	l := New(hc, n.NewHost(), "x")

	hc.Discard()
	if l.IsOpen() {
		t.Error("lobby open after courier discard")
	}
}

// stalledHost answers an offer only once released, regardless of ctx.
type stalledHost struct {
	events  peer.HostEvents
	entered chan struct{}
	release chan struct{}

	mu           sync.Mutex
	disconnected []string
}

func newStalledHost() *stalledHost {
	return &stalledHost{entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *stalledHost) Events() *peer.HostEvents { return &h.events }

func (h *stalledHost) Connect(ctx context.Context, offer string, out peer.CandidateFunc) (peer.Answer, error) {
	close(h.entered)
	<-h.release
	if err := out(json.RawMessage(`{"candidate":"host"}`)); err != nil {
		return peer.Answer{}, err
	}
	return peer.Answer{
		ID:            "line-1",
		SDP:           "answer",
		OnCandidateIn: func(json.RawMessage) error { return nil },
	}, nil
}

func (h *stalledHost) Disconnect(ids ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, ids...)
}

func TestLobbyCloseDuringConnect(t *testing.T) {
	bus := courier.NewBus()
	hc := courier.NewLocal(bus)
	defer hc.Discard()
	gc := courier.NewLocal(bus)
	defer gc.Discard()

	var replies atomic.Int32
	gc.Events().Receive.On(func(m courier.Message) {
		if msg, ok, _ := decode(m.Data); ok && msg.Type != TypeJoin {
			replies.Add(1)
		}
	})

	host := newStalledHost()
	l := New(hc, host, "12345")
	if err := gc.Broadcast(Message{Type: TypeJoin, Code: "12345", Request: "offer"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	select {
	case <-host.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("host never asked to answer")
	}
	l.Close()
	close(host.release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		host.mu.Lock()
		got := append([]string(nil), host.disconnected...)
		host.mu.Unlock()
		if len(got) == 1 && got[0] == "line-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnected lines = %v, want [line-1]", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if n := replies.Load(); n != 0 {
		t.Errorf("closed lobby sent %d accept/candidate messages", n)
	}
}

func TestRandomCode(t *testing.T) {
	n := peer.NewMemoryNetwork()
	hc := courier.NewLocal(courier.NewBus())
	defer hc.Discard()

	l := New(hc, n.NewHost(), "")
	defer l.Close()

	if !regexp.MustCompile(`^\d{5}$`).MatchString(l.Code()) {
		t.Errorf("Code() = %q, want five digits", l.Code())
	}
}

func TestFormatElapsed(t *testing.T) {
	testCases := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{0, "0s"},
		{time.Second, "1s"},
		{1500 * time.Millisecond, "1.5s"},
		{59 * time.Second, "59s"},
		{time.Minute, "1m 0s"},
		{2*time.Minute + 5*time.Second, "2m 5s"},
	}
	for _, tc := range testCases {
		if got := formatElapsed(tc.in); got != tc.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

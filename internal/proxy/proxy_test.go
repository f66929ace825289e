package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/lobby"
	"github.com/1ureka/supeer/internal/peer"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type target struct {
	port     int
	closed   chan struct{}
	accepted atomic.Int32
}

// startTarget runs handle for every accepted connection and reports each
// connection once it has been closed.
func startTarget(t *testing.T, handle func(net.Conn)) *target {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	tg := &target{port: ln.Addr().(*net.TCPAddr).Port, closed: make(chan struct{}, 64)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			tg.accepted.Add(1)
			go func() {
				handle(c)
				c.Close()
				tg.closed <- struct{}{}
			}()
		}
	}()
	return tg
}

func echo(c net.Conn) { io.Copy(c, c) }

// getFreePort returns a port nothing listens on.
func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

type tunnel struct {
	server *Server
	client *Client
	host   *peer.MemoryHost
	guest  *peer.MemoryGuest

	serverCourier *courier.Local
	clientCourier *courier.Local
}

func startTunnel(t *testing.T, port int) *tunnel {
	t.Helper()
	ctx := context.Background()
	bus, n := courier.NewBus(), peer.NewMemoryNetwork()

	sc := courier.NewLocal(bus)
	t.Cleanup(sc.Discard)
	host := n.NewHost()
	server, err := NewServer(ctx, sc, host, port, ServerOptions{Address: AddressOptions{IPv4: "1.2.3.4"}})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(server.Discard)

	gc := courier.NewLocal(bus)
	t.Cleanup(gc.Discard)
	guest := n.NewGuest()
	client, err := NewClient(ctx, gc, guest, 0, server.Code(), ClientOptions{
		Join: lobby.JoinOptions{RetryInterval: 50 * time.Millisecond, Timeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Discard)

	if n.Crossed() != 0 {
		t.Fatalf("crossed candidates = %d", n.Crossed())
	}
	return &tunnel{
		server:        server,
		client:        client,
		host:          host,
		guest:         guest,
		serverCourier: sc,
		clientCourier: gc,
	}
}

func (tn *tunnel) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", tn.client.Addr().String())
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func roundTrip(t *testing.T, c net.Conn, msg []byte) {
	t.Helper()
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: got %d bytes, want %d", len(got), len(msg))
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("local connection still open")
		}
	}
}

func clusterSize(s *Server) int {
	total := 0
	for _, ids := range s.Clusters() {
		total += len(ids)
	}
	return total
}

// ---------------------------------------------------------------------------
// end to end
// ---------------------------------------------------------------------------

func TestProxyEcho(t *testing.T) {
	tg := startTarget(t, echo)
	tn := startTunnel(t, tg.port)

	if want := "1.2.3.4:" + strconv.Itoa(tg.port); tn.server.Code() != want {
		t.Fatalf("Code() = %q, want %q", tn.server.Code(), want)
	}

	c := tn.dial(t)
	roundTrip(t, c, []byte("ping"))

	big := make([]byte, 1<<20)
	rand.Read(big)
	roundTrip(t, c, big)
}

func TestProxyManyConnections(t *testing.T) {
	tg := startTarget(t, echo)
	tn := startTunnel(t, tg.port)

	const conns = 8
	errs := make(chan error, conns)
	for i := range conns {
		c := tn.dial(t)
		go func() {
			msg := bytes.Repeat([]byte{byte('a' + i)}, 64*1024)
			if _, err := c.Write(msg); err != nil {
				errs <- err
				return
			}
			c.SetReadDeadline(time.Now().Add(5 * time.Second))
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(c, got); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, msg) {
				errs <- errors.New("connections interleaved")
				return
			}
			errs <- nil
		}()
	}
	for range conns {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}

	if got := len(tn.client.Connections()); got != conns {
		t.Errorf("client has %d connections, want %d", got, conns)
	}
	if got := clusterSize(tn.server); got != conns {
		t.Errorf("server has %d connections, want %d", got, conns)
	}
}

func TestClusterTeardown(t *testing.T) {
	tg := startTarget(t, echo)
	tn := startTunnel(t, tg.port)

	const conns = 3
	locals := make([]net.Conn, conns)
	for i := range locals {
		locals[i] = tn.dial(t)
		roundTrip(t, locals[i], []byte("ping"))
	}
	if got := clusterSize(tn.server); got != conns {
		t.Fatalf("server has %d connections, want %d", got, conns)
	}

	tn.guest.Disconnect()

	for range conns {
		waitClosed(t, "target connection close", tg.closed)
	}
	if got := len(tn.server.Clusters()); got != 0 {
		t.Errorf("server still has %d clusters", got)
	}
	waitClosed(t, "client discard", tn.client.Done())
	for _, c := range locals {
		expectEOF(t, c)
	}
}

func TestServerDiscard(t *testing.T) {
	tg := startTarget(t, echo)
	tn := startTunnel(t, tg.port)

	c := tn.dial(t)
	roundTrip(t, c, []byte("ping"))

	tn.server.Discard()
	tn.server.Discard()

	waitClosed(t, "target connection close", tg.closed)
	waitClosed(t, "client discard", tn.client.Done())
	expectEOF(t, c)
	if len(tn.host.Connected()) != 0 {
		t.Error("host still has connected guests")
	}
}

func TestCourierDiscard(t *testing.T) {
	t.Run("server courier", func(t *testing.T) {
		tg := startTarget(t, echo)
		tn := startTunnel(t, tg.port)
		c := tn.dial(t)
		roundTrip(t, c, []byte("ping"))

		tn.serverCourier.Discard()

		waitClosed(t, "server discard", tn.server.Done())
		waitClosed(t, "client discard", tn.client.Done())
		waitClosed(t, "target connection close", tg.closed)
		expectEOF(t, c)
		if got := tn.serverCourier.Events().Discard.Len(); got != 0 {
			t.Errorf("%d discard listeners left on server courier", got)
		}
	})

	t.Run("client courier", func(t *testing.T) {
		tg := startTarget(t, echo)
		tn := startTunnel(t, tg.port)
		c := tn.dial(t)
		roundTrip(t, c, []byte("ping"))

		tn.clientCourier.Discard()

		waitClosed(t, "client discard", tn.client.Done())
		expectEOF(t, c)
		if got := tn.clientCourier.Events().Discard.Len(); got != 0 {
			t.Errorf("%d discard listeners left on client courier", got)
		}

		// The server outlives a client courier and drops the guest.
		select {
		case <-tn.server.Done():
			t.Fatal("server discarded with a client courier")
		default:
		}
		waitUntil(t, "guest removal", func() bool { return len(tn.server.Clusters()) == 0 })
	})
}

// Both sides discard the matching connection on an empty-data frame.
func TestCloseSignal(t *testing.T) {
	t.Run("from client", func(t *testing.T) {
		tg := startTarget(t, echo)
		tn := startTunnel(t, tg.port)

		c := tn.dial(t)
		roundTrip(t, c, []byte("ping"))
		c.Close()

		waitClosed(t, "target connection close", tg.closed)
		waitUntil(t, "server cluster to empty", func() bool { return clusterSize(tn.server) == 0 })
		waitUntil(t, "client connection removal", func() bool { return len(tn.client.Connections()) == 0 })
	})

	t.Run("from server", func(t *testing.T) {
		tg := startTarget(t, func(c net.Conn) {
			buf := make([]byte, 64)
			for {
				n, err := c.Read(buf)
				if err != nil || string(buf[:n]) == "quit" {
					return
				}
				c.Write(buf[:n])
			}
		})
		tn := startTunnel(t, tg.port)

		c := tn.dial(t)
		roundTrip(t, c, []byte("ping"))
		if _, err := c.Write([]byte("quit")); err != nil {
			t.Fatalf("write: %v", err)
		}

		expectEOF(t, c)
		waitUntil(t, "client connection removal", func() bool { return len(tn.client.Connections()) == 0 })
		waitUntil(t, "server cluster to empty", func() bool { return clusterSize(tn.server) == 0 })
	})

	t.Run("other connections survive", func(t *testing.T) {
		tg := startTarget(t, echo)
		tn := startTunnel(t, tg.port)

		a, b := tn.dial(t), tn.dial(t)
		roundTrip(t, a, []byte("a"))
		roundTrip(t, b, []byte("b"))
		a.Close()

		waitClosed(t, "target connection close", tg.closed)
		roundTrip(t, b, []byte("still here"))
	})
}

func TestLateFrameAfterServerClose(t *testing.T) {
	tg := startTarget(t, func(net.Conn) {})
	tn := startTunnel(t, tg.port)

	send := func(id, data string) {
		t.Helper()
		b, err := encodeFrame(Frame{ID: id, Data: []byte(data)})
		if err != nil {
			t.Fatalf("encodeFrame: %v", err)
		}
		if err := tn.guest.Send(b); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	send("late", "first")
	waitClosed(t, "target connection close", tg.closed)
	waitUntil(t, "server cluster to empty", func() bool { return clusterSize(tn.server) == 0 })

	send("late", "crossed the close")
	time.Sleep(100 * time.Millisecond)
	if got := tg.accepted.Load(); got != 1 {
		t.Fatalf("target accepted %d connections, want 1", got)
	}
	if n := clusterSize(tn.server); n != 0 {
		t.Fatalf("cluster holds %d connections after a late frame", n)
	}

	send("fresh", "hello")
	waitUntil(t, "dial for a new id", func() bool { return tg.accepted.Load() == 2 })
}

func TestClusterForgetsOldestClosedID(t *testing.T) {
	cl := newCluster()
	for i := 0; i <= closedIDLimit; i++ {
		cl.retire(strconv.Itoa(i))
	}
	cl.retire("5")

	if cl.isClosed("0") {
		t.Error("oldest id should be forgotten past the limit")
	}
	if !cl.isClosed("1") || !cl.isClosed(strconv.Itoa(closedIDLimit)) {
		t.Error("recent ids should be remembered")
	}
	if len(cl.order) != closedIDLimit || len(cl.closed) != closedIDLimit {
		t.Errorf("remembered %d/%d ids, want %d", len(cl.order), len(cl.closed), closedIDLimit)
	}
}

func TestServerDialFailure(t *testing.T) {
	tn := startTunnel(t, getFreePort(t))

	c := tn.dial(t)
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectEOF(t, c)
	waitUntil(t, "client connection removal", func() bool { return len(tn.client.Connections()) == 0 })
}

func TestClientDropsUnknownConnection(t *testing.T) {
	tg := startTarget(t, echo)
	tn := startTunnel(t, tg.port)

	tn.client.onReceive([]byte(`{"id":"nobody","data":"aGk="}`))
	tn.client.onReceive([]byte(`{"id":"nobody"}`))

	select {
	case <-tn.client.Done():
		t.Fatal("client discarded on unknown connection id")
	default:
	}
	roundTrip(t, tn.dial(t), []byte("ping"))
}

func TestMalformedFrameDisconnectsGuest(t *testing.T) {
	tg := startTarget(t, echo)
	tn := startTunnel(t, tg.port)

	if err := tn.guest.Send([]byte("not json")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitClosed(t, "client discard", tn.client.Done())
	waitUntil(t, "guest removal", func() bool { return len(tn.host.Connected()) == 0 })
}

func TestNewClientUnwinds(t *testing.T) {
	n := peer.NewMemoryNetwork()
	gc := courier.NewLocal(courier.NewBus())
	defer gc.Discard()
	guest := n.NewGuest()

	_, err := NewClient(context.Background(), gc, guest, 0, "1.2.3.4:1", ClientOptions{
		Join: lobby.JoinOptions{RetryInterval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond},
	})
	if !errors.Is(err, lobby.ErrJoinTimeout) {
		t.Fatalf("NewClient error = %v, want %v", err, lobby.ErrJoinTimeout)
	}
	if got := guest.Events().Receive.Len(); got != 0 {
		t.Errorf("%d receive listeners left on guest", got)
	}
	if got := gc.Events().Receive.Len(); got != 0 {
		t.Errorf("%d receive listeners left on courier", got)
	}
	if got := gc.Events().Discard.Len(); got != 0 {
		t.Errorf("%d discard listeners left on courier", got)
	}
}

func TestNewServerWithoutAddress(t *testing.T) {
	n := peer.NewMemoryNetwork()
	sc := courier.NewLocal(courier.NewBus())
	defer sc.Discard()
	host := n.NewHost()

	_, err := NewServer(context.Background(), sc, host, 9001, ServerOptions{})
	if !errors.Is(err, ErrNoExternalAddress) {
		t.Fatalf("NewServer error = %v, want %v", err, ErrNoExternalAddress)
	}
	if got := host.Events().Receive.Len(); got != 0 {
		t.Errorf("%d receive listeners left on host", got)
	}
	if got := sc.Events().Receive.Len(); got != 0 {
		t.Errorf("%d receive listeners left on courier", got)
	}
}

// ---------------------------------------------------------------------------
// frames and addresses
// ---------------------------------------------------------------------------

func TestDecodeFrame(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		wantErr bool
		close   bool
	}{
		{"data", `{"id":"a","data":"aGk="}`, false, false},
		{"close", `{"id":"a"}`, false, true},
		{"empty data", `{"id":"a","data":""}`, false, true},
		{"no id", `{"data":"aGk="}`, true, false},
		{"not json", `hello`, true, false},
		{"bad base64", `{"id":"a","data":"!!"}`, true, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := decodeFrame([]byte(tc.in))
			if (err != nil) != tc.wantErr {
				t.Fatalf("decodeFrame(%s) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if err == nil && f.isClose() != tc.close {
				t.Errorf("isClose() = %v, want %v", f.isClose(), tc.close)
			}
		})
	}
}

func TestCloseFrameHasNoData(t *testing.T) {
	b, err := encodeFrame(Frame{ID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"id":"a"}` {
		t.Errorf("close frame = %s", b)
	}
}

func TestResolveIPv4(t *testing.T) {
	respond := func(body string, status int) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			io.WriteString(w, body)
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	good := respond("203.0.113.7\n", http.StatusOK)
	garbage := respond("<html>", http.StatusOK)
	failing := respond("", http.StatusInternalServerError)

	testCases := []struct {
		name    string
		opts    AddressOptions
		want    string
		wantErr bool
	}{
		{"configured", AddressOptions{IPv4: "1.2.3.4", APIs: []string{failing.URL}}, "1.2.3.4", false},
		{"configured malformed", AddressOptions{IPv4: "localhost"}, "", true},
		{"first api", AddressOptions{APIs: []string{good.URL}}, "203.0.113.7", false},
		{"falls through", AddressOptions{APIs: []string{failing.URL, garbage.URL, good.URL}}, "203.0.113.7", false},
		{"all fail", AddressOptions{APIs: []string{failing.URL, garbage.URL}}, "", true},
		{"nothing configured", AddressOptions{}, "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveIPv4(context.Background(), tc.opts)
			if tc.wantErr {
				if !errors.Is(err, ErrNoExternalAddress) {
					t.Fatalf("error = %v, want %v", err, ErrNoExternalAddress)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveIPv4: %v", err)
			}
			if got != tc.want {
				t.Errorf("ResolveIPv4() = %q, want %q", got, tc.want)
			}
		})
	}
}

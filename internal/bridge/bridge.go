// Package bridge exposes a courier to browser processes on the same device
// over WebSocket. Every text or binary message from a socket must be JSON
// and is broadcast through the courier; every courier message is forwarded
// to all sockets as {id, data}.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/event"
	"github.com/1ureka/supeer/internal/util"
)

const (
	// Time allowed to write a message to the browser
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the browser
	pongWait = 60 * time.Second

	// Send pings to the browser with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the browser
	maxMessageSize = 1 << 20

	// Pending outbound messages per socket
	sendBufferSize = 256
)

var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// allowLocalOrigin accepts requests without an Origin header and those
// from pages served by this device.
func allowLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return localHosts[u.Hostname()]
}

// Bridge serves one courier over WebSocket.
type Bridge struct {
	courier  courier.Courier
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	tag      string
	done     chan struct{}

	mu      sync.Mutex
	closed  bool
	sockets map[*socket]struct{}

	receive   event.Handle
	discard   event.Handle
	closeOnce sync.Once
}

// Listen starts a bridge for c on addr. The bridge closes when c is
// discarded.
func Listen(ctx context.Context, c courier.Courier, addr string) (*Bridge, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	b := &Bridge{
		courier:  c,
		listener: ln,
		tag:      fmt.Sprintf("[bridge %s]", ln.Addr()),
		done:     make(chan struct{}),
		sockets:  make(map[*socket]struct{}),
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: allowLocalOrigin}
	b.server = &http.Server{
		Handler:           http.HandlerFunc(b.handleWS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.receive = c.Events().Receive.On(b.forward)
	b.discard = c.Events().Discard.On(func(struct{}) { b.Close() })

	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("%s serve error: %v", b.tag, err)
			b.Close()
		}
	}()

	util.LogSuccess("%s started", b.tag)
	return b, nil
}

func (b *Bridge) Addr() net.Addr { return b.listener.Addr() }

// Done is closed once the bridge is closed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Sockets returns the number of connected sockets.
func (b *Bridge) Sockets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sockets)
}

// Close stops the server and every socket. It is idempotent and leaves the
// courier alone.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		sockets := b.sockets
		b.sockets = make(map[*socket]struct{})
		b.mu.Unlock()

		events := b.courier.Events()
		events.Receive.Forget(b.receive)
		events.Discard.Forget(b.discard)

		b.server.Close()
		for s := range sockets {
			s.close()
		}

		util.LogInfo("%s stopped", b.tag)
		close(b.done)
	})
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("%s rejected %s (origin %q): %v", b.tag, r.RemoteAddr, r.Header.Get("Origin"), err)
		return
	}

	s := &socket{
		conn:   conn,
		bridge: b,
		tag:    fmt.Sprintf("%s [%s]", b.tag, r.RemoteAddr),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.sockets[s] = struct{}{}
	b.mu.Unlock()

	util.LogInfo("%s connected", s.tag)
	go s.readPump()
	go s.writePump()
}

// forward sends a courier message to every socket.
func (b *Bridge) forward(m courier.Message) {
	data, err := json.Marshal(courier.Envelope{ID: m.ID, Data: m.Data})
	if err != nil {
		util.LogError("%s encode message from %s: %v", b.tag, util.ShortID(m.ID), err)
		return
	}

	b.mu.Lock()
	sockets := make([]*socket, 0, len(b.sockets))
	for s := range b.sockets {
		sockets = append(sockets, s)
	}
	b.mu.Unlock()

	for _, s := range sockets {
		s.push(data)
	}
}

func (b *Bridge) remove(s *socket) {
	b.mu.Lock()
	delete(b.sockets, s)
	b.mu.Unlock()
}

// socket is one browser connection.
type socket struct {
	conn   *websocket.Conn
	bridge *Bridge
	tag    string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *socket) push(data []byte) {
	select {
	case s.send <- data:
	case <-s.done:
	default:
		util.LogWarning("%s send buffer full, closing", s.tag)
		s.close()
	}
}

// readPump broadcasts browser messages through the courier.
func (s *socket) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				util.LogWarning("%s read error: %v", s.tag, err)
			}
			return
		}

		if !json.Valid(data) {
			util.LogError("%s received invalid JSON, closing", s.tag)
			return
		}
		if err := s.bridge.courier.Broadcast(json.RawMessage(data)); err != nil {
			util.LogWarning("%s broadcast failed: %v", s.tag, err)
		}
	}
}

// writePump writes courier messages and keepalive pings to the browser.
func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogDebug("%s write error: %v", s.tag, err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		s.bridge.remove(s)
		util.LogInfo("%s disconnected", s.tag)
	})
}

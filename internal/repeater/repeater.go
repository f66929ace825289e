// Package repeater lets local applications use a peer through a TCP port.
// Applications write one JSON Request per line and read one JSON Event per
// line for everything the peer receives, connects or disconnects. Messages
// are text unless marked with encoding "base64".
package repeater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/supeer/internal/util"
)

// outboxSize bounds the pending event lines per local connection.
const outboxSize = 256

// Repeater serves one peer to any number of local connections.
type Repeater struct {
	binding  Binding
	listener net.Listener
	tag      string
	unbind   func()
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	conns  map[*localConn]struct{}

	closeOnce sync.Once
}

// Listen starts a repeater for b on addr.
func Listen(ctx context.Context, b Binding, addr string) (*Repeater, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r := &Repeater{
		binding:  b,
		listener: ln,
		tag:      fmt.Sprintf("[repeater %s]", ln.Addr()),
		done:     make(chan struct{}),
		conns:    make(map[*localConn]struct{}),
	}
	r.unbind = b.bind(r.emit)

	util.LogSuccess("%s started", r.tag)
	go r.acceptLoop()
	return r, nil
}

func (r *Repeater) Addr() net.Addr { return r.listener.Addr() }

// Done is closed once the repeater is closed.
func (r *Repeater) Done() <-chan struct{} { return r.done }

// Connections returns the number of local connections.
func (r *Repeater) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close stops the listener and drops every local connection. It is
// idempotent and leaves the peer itself alone.
func (r *Repeater) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		conns := r.conns
		r.conns = make(map[*localConn]struct{})
		r.mu.Unlock()

		r.unbind()
		r.listener.Close()
		for c := range conns {
			c.close()
		}

		util.LogInfo("%s stopped", r.tag)
		close(r.done)
	})
}

func (r *Repeater) acceptLoop() {
	for {
		sock, err := r.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				util.LogError("%s accept error: %v", r.tag, err)
			}
			r.Close()
			return
		}

		c := &localConn{
			sock:  sock,
			tag:   fmt.Sprintf("%s [%s]", r.tag, sock.RemoteAddr()),
			out:   make(chan []byte, outboxSize),
			done:  make(chan struct{}),
			owner: r,
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			sock.Close()
			return
		}
		r.conns[c] = struct{}{}
		r.mu.Unlock()

		util.LogInfo("%s connected", c.tag)
		go c.readPump()
		go c.writePump()
	}
}

// emit writes ev to every local connection.
func (r *Repeater) emit(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		util.LogError("%s encode event: %v", r.tag, err)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	conns := make([]*localConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.push(line)
	}
}

func (r *Repeater) remove(c *localConn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// localConn is one local application.
type localConn struct {
	sock  net.Conn
	tag   string
	out   chan []byte
	done  chan struct{}
	owner *Repeater
	once  sync.Once
}

func (c *localConn) push(line []byte) {
	select {
	case c.out <- line:
	case <-c.done:
	default:
		util.LogWarning("%s too slow, dropping", c.tag)
		c.close()
	}
}

func (c *localConn) readPump() {
	defer c.close()

	dec := json.NewDecoder(c.sock)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				util.LogError("%s invalid request: %v", c.tag, err)
			}
			return
		}
		msg, err := req.payload()
		if err != nil {
			util.LogError("%s invalid request: %v", c.tag, err)
			return
		}
		if err := c.owner.binding.send(msg, req.IDs); err != nil {
			util.LogWarning("%s send failed: %v", c.tag, err)
		}
	}
}

func (c *localConn) writePump() {
	defer c.close()
	for {
		select {
		case line := <-c.out:
			if _, err := c.sock.Write(line); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *localConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.sock.Close()
		c.owner.remove(c)
		util.LogInfo("%s disconnected", c.tag)
	})
}

// Package proxy multiplexes TCP connections over one peer link. A Server
// exposes a local service to every guest admitted through its lobby, a
// Client exposes a local listener whose connections are tunnelled to a
// Server. Each tunnelled connection is a Connection on both ends, keyed by
// an id the client generates.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/supeer/internal/util"
)

// Tuning constants.
const (
	readBufferSize  = 16 * 1024 // bytes per data frame read from the socket
	inboxBufferSize = 1024      // pending remote writes per connection
)

// Connection bridges one local socket to a peer link. Remote bytes are
// written to the socket in arrival order by a dedicated goroutine; socket
// bytes are sent to the remote side as data frames.
type Connection struct {
	id  string
	tag string

	send      func(Frame) error
	onDiscard func(*Connection)

	inbox chan []byte
	done  chan struct{}

	mu   sync.Mutex
	conn net.Conn

	discardOnce sync.Once
}

func newConnection(id, tag string, send func(Frame) error, onDiscard func(*Connection)) *Connection {
	return &Connection{
		id:        id,
		tag:       fmt.Sprintf("%s [%s]", tag, util.ShortID(id)),
		send:      send,
		onDiscard: onDiscard,
		inbox:     make(chan []byte, inboxBufferSize),
		done:      make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// Done is closed once the connection is discarded.
func (c *Connection) Done() <-chan struct{} { return c.done }

// attach binds the local socket and starts forwarding. Remote bytes that
// arrived before attach are flushed first.
func (c *Connection) attach(conn net.Conn) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		conn.Close()
		return
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	util.Stats.AddConn()
	go c.writeLoop(conn)
	go c.readLoop(conn)
}

// Read queues bytes received from the remote side for the local socket.
func (c *Connection) Read(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.inbox <- data:
	case <-c.done:
	default:
		util.LogWarning("%s inbox full, closing", c.tag)
		c.discard(true)
	}
}

// Close discards the connection and tells the remote side.
func (c *Connection) Close() { c.discard(true) }

func (c *Connection) writeLoop(conn net.Conn) {
	for {
		select {
		case data := <-c.inbox:
			if _, err := conn.Write(data); err != nil {
				util.LogDebug("%s socket write error: %v", c.tag, err)
				c.discard(true)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop sends socket bytes to the remote side. It uses a blocking Read;
// discard closes the socket to unblock it.
func (c *Connection) readLoop(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)

		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := c.send(Frame{ID: c.id, Data: data}); sendErr != nil {
				util.LogDebug("%s send failed: %v", c.tag, sendErr)
				c.discard(false)
				return
			}
		}

		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					util.LogDebug("%s socket read error: %v", c.tag, err)
				}
			}
			c.discard(true)
			return
		}
	}
}

// discard releases the connection exactly once. notify sends a close frame
// to the remote side; it is false when the remote side asked for the close
// or the link is gone.
func (c *Connection) discard(notify bool) {
	c.discardOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
			util.Stats.RemoveConn()
		}
		if notify {
			if err := c.send(Frame{ID: c.id}); err != nil {
				util.LogDebug("%s close frame not sent: %v", c.tag, err)
			}
		}
		util.LogDebug("%s closed", c.tag)

		if c.onDiscard != nil {
			c.onDiscard(c)
		}
	})
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/event"
	"github.com/1ureka/supeer/internal/lobby"
	"github.com/1ureka/supeer/internal/util"
)

// ClientGuest is the guest peer a Client tunnels through.
type ClientGuest interface {
	lobby.Guest
	Send(msg []byte) error
	Disconnect()
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// ListenHost is the local interface to listen on, default 127.0.0.1.
	ListenHost string
	Join       lobby.JoinOptions
}

// Client tunnels the connections accepted on a local port to a Server.
type Client struct {
	guest   ClientGuest
	courier courier.Courier
	tag     string
	done    chan struct{}

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	conns    map[string]*Connection

	receive        event.Handle
	disconnect     event.Handle
	courierDiscard event.Handle
	discardOnce    sync.Once
}

// NewClient joins the lobby of the Server at dest ("addr:port") through c,
// then listens on port. Any failure unwinds what was set up.
func NewClient(ctx context.Context, c courier.Courier, guest ClientGuest, port int, dest string, opts ClientOptions) (*Client, error) {
	if opts.ListenHost == "" {
		opts.ListenHost = "127.0.0.1"
	}

	cl := &Client{
		guest:   guest,
		courier: c,
		tag:     fmt.Sprintf("[proxy %s]", dest),
		done:    make(chan struct{}),
		conns:   make(map[string]*Connection),
	}

	events := guest.Events()
	cl.receive = events.Receive.On(cl.onReceive)
	cl.disconnect = events.Disconnect.On(func(struct{}) {
		util.LogWarning("%s link to server lost", cl.tag)
		cl.Discard()
	})
	cl.courierDiscard = c.Events().Discard.On(func(struct{}) {
		util.LogWarning("%s courier discarded", cl.tag)
		cl.Discard()
	})

	if err := lobby.Join(ctx, c, guest, dest, opts.Join); err != nil {
		cl.Discard()
		return nil, err
	}

	addr := net.JoinHostPort(opts.ListenHost, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		cl.Discard()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		ln.Close()
		return nil, fmt.Errorf("%s: link lost during setup", dest)
	}
	cl.listener = ln
	cl.mu.Unlock()

	util.LogSuccess("%s listening on %s", cl.tag, ln.Addr())
	go cl.acceptLoop(ln)
	return cl, nil
}

// Addr is the bound listener address.
func (cl *Client) Addr() net.Addr {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.listener == nil {
		return nil
	}
	return cl.listener.Addr()
}

// Done is closed once the client is discarded.
func (cl *Client) Done() <-chan struct{} { return cl.done }

// Connections returns the ids of the open connections, sorted.
func (cl *Client) Connections() []string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	ids := make([]string, 0, len(cl.conns))
	for id := range cl.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (cl *Client) acceptLoop(ln net.Listener) {
	for {
		sock, err := ln.Accept()
		if err != nil {
			cl.mu.Lock()
			closed := cl.closed
			cl.mu.Unlock()
			if !closed && !errors.Is(err, net.ErrClosed) {
				util.LogError("%s accept error: %v", cl.tag, err)
				cl.Discard()
			}
			return
		}

		id := util.NewID()
		conn := newConnection(id, cl.tag, cl.send, cl.remove)

		cl.mu.Lock()
		if cl.closed {
			cl.mu.Unlock()
			sock.Close()
			return
		}
		cl.conns[id] = conn
		cl.mu.Unlock()

		util.LogDebug("%s new connection from %s", conn.tag, sock.RemoteAddr())
		conn.attach(sock)
	}
}

func (cl *Client) send(f Frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return cl.guest.Send(b)
}

func (cl *Client) remove(c *Connection) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.conns[c.id] == c {
		delete(cl.conns, c.id)
	}
}

func (cl *Client) onReceive(msg []byte) {
	f, err := decodeFrame(msg)
	if err != nil {
		util.LogError("%s malformed frame from server: %v", cl.tag, err)
		cl.Discard()
		return
	}

	cl.mu.Lock()
	conn, ok := cl.conns[f.ID]
	cl.mu.Unlock()

	if !ok {
		if !f.isClose() {
			util.LogDebug("%s frame for unknown connection %s dropped", cl.tag, util.ShortID(f.ID))
		}
		return
	}
	if f.isClose() {
		conn.discard(false)
		return
	}
	conn.Read(f.Data)
}

// Discard closes the listener, every connection and the guest link. It is
// idempotent.
func (cl *Client) Discard() {
	cl.discardOnce.Do(func() {
		cl.mu.Lock()
		cl.closed = true
		ln := cl.listener
		conns := cl.conns
		cl.conns = make(map[string]*Connection)
		cl.mu.Unlock()

		if ln != nil {
			ln.Close()
		}

		events := cl.guest.Events()
		events.Receive.Forget(cl.receive)
		events.Disconnect.Forget(cl.disconnect)
		cl.courier.Events().Discard.Forget(cl.courierDiscard)
		cl.guest.Disconnect()

		for _, conn := range conns {
			conn.discard(false)
		}

		util.LogInfo("%s closed", cl.tag)
		close(cl.done)
	})
}

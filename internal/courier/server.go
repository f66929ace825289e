package courier

import (
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/1ureka/supeer/internal/buffered"
	"github.com/1ureka/supeer/internal/event"
	"github.com/1ureka/supeer/internal/util"
)

// SignalServer relays every message it receives to every connection,
// including the sender. Couriers filter their own echoes.
type SignalServer struct {
	listener net.Listener
	writer   buffered.Writer

	mu     sync.Mutex
	conns  map[*relayConn]struct{}
	closed bool

	closeOnce sync.Once
	wg        sync.WaitGroup

	// Fired with the remote address of each accepted and each dropped
	// connection.
	Joined event.Dispatcher[string]
	Left   event.Dispatcher[string]
}

type relayConn struct {
	conn      net.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *relayConn) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// ListenSignalServer binds addr and starts accepting connections.
func ListenSignalServer(addr string, writer buffered.Writer) (*SignalServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &SignalServer{
		listener: ln,
		writer:   writer,
		conns:    make(map[*relayConn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the bound listener address.
func (s *SignalServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Count returns the number of live connections.
func (s *SignalServer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *SignalServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				util.LogError("[signal-server] accept error: %v", err)
			}
			return
		}

		c := &relayConn{conn: conn}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		util.LogDebug("[signal-server] %s connected", conn.RemoteAddr())
		s.Joined.Fire(conn.RemoteAddr().String())

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *SignalServer) serve(c *relayConn) {
	defer s.wg.Done()
	defer s.drop(c)

	valid := true
	reader := buffered.NewReader(s.writer.Codec, func(msg []byte) {
		if !valid {
			return
		}
		if !json.Valid(msg) {
			util.LogWarning("[signal-server] %s sent invalid JSON, dropping connection", c.conn.RemoteAddr())
			valid = false
			return
		}
		s.broadcast(msg)
	})

	buf := make([]byte, 32*1024)
	for valid {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if ferr := reader.Feed(buf[:n]); ferr != nil {
				util.LogWarning("[signal-server] %s corrupt stream: %v", c.conn.RemoteAddr(), ferr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *SignalServer) broadcast(msg []byte) {
	frames, err := s.writer.Encode(msg)
	if err != nil {
		util.LogError("[signal-server] encode: %v", err)
		return
	}

	s.mu.Lock()
	targets := make([]*relayConn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.write(frames); err != nil {
			util.LogDebug("[signal-server] write to %s failed: %v", c.conn.RemoteAddr(), err)
			s.drop(c)
		}
	}
}

func (s *SignalServer) drop(c *relayConn) {
	c.closeOnce.Do(func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()

		c.conn.Close()
		util.LogDebug("[signal-server] %s disconnected", c.conn.RemoteAddr())
		s.Left.Fire(c.conn.RemoteAddr().String())
	})
}

// Close stops accepting, drops every connection and waits for the
// connection goroutines to exit.
func (s *SignalServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()

		s.mu.Lock()
		s.closed = true
		conns := make([]*relayConn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			s.drop(c)
		}
		s.wg.Wait()
	})
	return err
}

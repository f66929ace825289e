package proxy

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/event"
	"github.com/1ureka/supeer/internal/lobby"
	"github.com/1ureka/supeer/internal/peer"
	"github.com/1ureka/supeer/internal/util"
)

// ServerHost is the host peer a Server admits guests into.
type ServerHost interface {
	lobby.Host
	Send(msg []byte, ids ...string) error
}

// ServerOptions configure a Server.
type ServerOptions struct {
	Address AddressOptions
	// TargetHost is dialled for every new connection, default 127.0.0.1.
	TargetHost  string
	DialTimeout time.Duration
}

// Server exposes a local TCP service to remote guests. Every guest is a
// cluster of connections keyed by connection id.
type Server struct {
	host    ServerHost
	courier courier.Courier
	lobby   *lobby.Lobby
	target  string
	tag     string
	dialer  net.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	clusters map[string]*cluster // by guest line id

	connect        event.Handle
	disconnect     event.Handle
	receive        event.Handle
	courierDiscard event.Handle
	discardOnce    sync.Once
}

// NewServer opens a lobby on c whose code is "{external address}:{port}"
// and forwards the connections of every admitted guest to port.
func NewServer(ctx context.Context, c courier.Courier, host ServerHost, port int, opts ServerOptions) (*Server, error) {
	addr, err := ResolveIPv4(ctx, opts.Address)
	if err != nil {
		return nil, err
	}
	if opts.TargetHost == "" {
		opts.TargetHost = "127.0.0.1"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	code := net.JoinHostPort(addr, strconv.Itoa(port))
	sctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		host:     host,
		courier:  c,
		target:   net.JoinHostPort(opts.TargetHost, strconv.Itoa(port)),
		tag:      fmt.Sprintf("[proxy %s]", code),
		dialer:   net.Dialer{Timeout: opts.DialTimeout},
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		clusters: make(map[string]*cluster),
	}

	events := host.Events()
	s.connect = events.Connect.On(s.onConnect)
	s.disconnect = events.Disconnect.On(s.onDisconnect)
	s.receive = events.Receive.On(s.onReceive)
	s.courierDiscard = c.Events().Discard.On(func(struct{}) {
		util.LogWarning("%s courier discarded", s.tag)
		s.Discard()
	})

	s.lobby = lobby.New(c, host, code)
	if err := s.lobby.Ready(ctx); err != nil {
		s.Discard()
		return nil, fmt.Errorf("open lobby %s: %w", code, err)
	}

	util.LogSuccess("%s serving %s", s.tag, s.target)
	return s, nil
}

// closedIDLimit bounds how many closed connection ids a cluster remembers.
const closedIDLimit = 1024

// cluster holds the connections of one guest. Closed ids are remembered so
// a data frame that crossed the close on the wire does not dial again.
type cluster struct {
	conns  map[string]*Connection
	closed map[string]struct{}
	order  []string
}

func newCluster() *cluster {
	return &cluster{
		conns:  make(map[string]*Connection),
		closed: make(map[string]struct{}),
	}
}

func (cl *cluster) isClosed(id string) bool {
	_, ok := cl.closed[id]
	return ok
}

// retire removes id and remembers it, forgetting the oldest id past
// closedIDLimit.
func (cl *cluster) retire(id string) {
	delete(cl.conns, id)
	if cl.isClosed(id) {
		return
	}
	cl.closed[id] = struct{}{}
	cl.order = append(cl.order, id)
	if len(cl.order) > closedIDLimit {
		delete(cl.closed, cl.order[0])
		cl.order = cl.order[1:]
	}
}

// Code is the lobby code clients join with.
func (s *Server) Code() string { return s.lobby.Code() }

// Done is closed once the server is discarded.
func (s *Server) Done() <-chan struct{} { return s.done }

// Clusters returns the connection ids of every guest, sorted.
func (s *Server) Clusters() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string, len(s.clusters))
	for guest, cl := range s.clusters {
		ids := make([]string, 0, len(cl.conns))
		for id := range cl.conns {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[guest] = ids
	}
	return out
}

func (s *Server) onConnect(guest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.clusters[guest]; !ok {
		s.clusters[guest] = newCluster()
	}
	util.LogInfo("%s guest %s connected", s.tag, util.ShortID(guest))
}

func (s *Server) onDisconnect(guest string) {
	s.mu.Lock()
	cl, ok := s.clusters[guest]
	delete(s.clusters, guest)
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, conn := range cl.conns {
		conn.discard(false)
	}
	util.LogInfo("%s guest %s disconnected, %d connections closed", s.tag, util.ShortID(guest), len(cl.conns))
}

func (s *Server) onReceive(m peer.HostMessage) {
	f, err := decodeFrame(m.Message)
	if err != nil {
		util.LogWarning("%s malformed frame from guest %s, disconnecting: %v", s.tag, util.ShortID(m.ID), err)
		s.host.Disconnect(m.ID)
		return
	}

	s.mu.Lock()
	cl, ok := s.clusters[m.ID]
	if !ok {
		s.mu.Unlock()
		util.LogDebug("%s frame from unknown guest %s dropped", s.tag, util.ShortID(m.ID))
		return
	}
	conn, exists := cl.conns[f.ID]
	if !exists && cl.isClosed(f.ID) {
		s.mu.Unlock()
		util.LogDebug("%s late frame for closed connection %s dropped", s.tag, util.ShortID(f.ID))
		return
	}

	if f.isClose() {
		s.mu.Unlock()
		if exists {
			conn.discard(false)
		}
		return
	}

	if !exists {
		conn = s.newConnection(m.ID, f.ID)
		cl.conns[f.ID] = conn
	}
	s.mu.Unlock()

	if !exists {
		go s.dial(conn)
	}
	conn.Read(f.Data)
}

func (s *Server) newConnection(guest, id string) *Connection {
	send := func(f Frame) error {
		b, err := encodeFrame(f)
		if err != nil {
			return err
		}
		return s.host.Send(b, guest)
	}
	return newConnection(id, s.tag, send, func(c *Connection) { s.remove(guest, c) })
}

// dial connects a new connection to the target. A failed dial closes the
// connection on the guest side too.
func (s *Server) dial(c *Connection) {
	conn, err := s.dialer.DialContext(s.ctx, "tcp", s.target)
	if err != nil {
		util.LogWarning("%s dial %s failed: %v", c.tag, s.target, err)
		c.discard(true)
		return
	}
	util.LogDebug("%s connected to %s", c.tag, s.target)
	c.attach(conn)
}

func (s *Server) remove(guest string, c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cl, ok := s.clusters[guest]; ok && cl.conns[c.id] == c {
		cl.retire(c.id)
	}
}

// Discard closes the lobby and disconnects every guest. It is idempotent.
func (s *Server) Discard() {
	s.discardOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		if s.lobby != nil {
			s.lobby.Close()
		}
		s.host.Disconnect()

		events := s.host.Events()
		events.Connect.Forget(s.connect)
		events.Disconnect.Forget(s.disconnect)
		events.Receive.Forget(s.receive)
		s.courier.Events().Discard.Forget(s.courierDiscard)

		s.mu.Lock()
		clusters := s.clusters
		s.clusters = make(map[string]*cluster)
		s.mu.Unlock()

		for _, cl := range clusters {
			for _, conn := range cl.conns {
				conn.discard(false)
			}
		}

		util.LogInfo("%s closed", s.tag)
		close(s.done)
	})
}

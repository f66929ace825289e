package courier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/supeer/internal/buffered"
	"github.com/1ureka/supeer/internal/util"
)

// signalDialTimeout bounds the initial connection to a signal server.
const signalDialTimeout = 10 * time.Second

// Signal is a courier backed by a TCP connection to a SignalServer. Every
// envelope travels as one buffered message.
type Signal struct {
	*core
	addr   string
	writer buffered.Writer

	ready    chan struct{}
	readyErr error

	mu   sync.Mutex
	conn net.Conn
}

// NewSignal starts connecting to the signal server at addr in the
// background; Ready reports the outcome. The writer must use the same codec
// as the server.
func NewSignal(addr string, writer buffered.Writer) *Signal {
	s := &Signal{
		core:   newCore("signal"),
		addr:   addr,
		writer: writer,
		ready:  make(chan struct{}),
	}
	go s.connect()
	return s
}

func (s *Signal) connect() {
	ctx, cancel := context.WithTimeout(context.Background(), signalDialTimeout)
	defer cancel()

	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		s.readyErr = fmt.Errorf("connect to signal server %s: %w", s.addr, err)
		close(s.ready)
		util.LogError("%s %v", s.tag, s.readyErr)
		s.Discard()
		return
	}

	s.mu.Lock()
	if s.isDiscarded() {
		s.mu.Unlock()
		conn.Close()
		s.readyErr = ErrDiscarded
		close(s.ready)
		return
	}
	s.conn = conn
	s.mu.Unlock()

	util.LogDebug("%s connected to %s", s.tag, s.addr)
	close(s.ready)
	s.readLoop(conn)
}

func (s *Signal) readLoop(conn net.Conn) {
	defer s.Discard()

	reader := buffered.NewReader(s.writer.Codec, s.receive)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := reader.Feed(buf[:n]); ferr != nil {
				util.LogWarning("%s corrupt stream from %s: %v", s.tag, s.addr, ferr)
				return
			}
		}
		if err != nil {
			if !s.isDiscarded() {
				util.LogWarning("%s connection to %s lost: %v", s.tag, s.addr, err)
			}
			return
		}
	}
}

// Ready waits for the connection to the signal server.
func (s *Signal) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Signal) Broadcast(data any) error {
	raw, err := s.envelope(data)
	if err != nil {
		return err
	}
	frames, err := s.writer.Encode(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return errors.New("signal courier is not connected")
	}
	_, err = s.conn.Write(frames)
	return err
}

func (s *Signal) Discard() {
	s.discard(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

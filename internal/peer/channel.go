package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/supeer/internal/buffered"
	"github.com/1ureka/supeer/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// channel wraps a data channel with message framing, whole-message write
// atomicity and backpressure.
type channel struct {
	dc     *webrtc.DataChannel
	writer buffered.Writer
	tag    string

	mu        sync.Mutex // held for every frame of one message
	lowSignal chan struct{}

	opened    chan struct{}
	openOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// newChannel wires dc. onOpen runs once before any message is delivered;
// onMessage receives reassembled messages; onBroken is called when the
// inbound stream cannot be decoded.
func newChannel(dc *webrtc.DataChannel, writer buffered.Writer, tag string,
	onOpen func(), onMessage func([]byte), onBroken func(error)) *channel {

	c := &channel{
		dc:        dc,
		writer:    writer,
		tag:       tag,
		lowSignal: make(chan struct{}, 1),
		opened:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.lowSignal <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		c.openOnce.Do(func() {
			onOpen()
			close(c.opened)
		})
	})

	reader := buffered.NewReader(writer.Codec, onMessage)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case <-c.opened:
		case <-c.done:
			return
		}
		util.Stats.AddRecv(len(msg.Data))
		if err := reader.Feed(msg.Data); err != nil {
			onBroken(err)
		}
	})

	return c
}

// send writes msg as consecutive frames; concurrent sends never interleave.
func (c *channel) send(msg []byte) error {
	select {
	case <-c.opened:
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.Write(msg, c.sendFrame)
}

func (c *channel) sendFrame(frame []byte) error {
	for c.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.lowSignal:
		case <-c.done:
			return ErrNotConnected
		}
	}

	if err := c.dc.Send(frame); err != nil {
		return err
	}
	util.Stats.AddSent(len(frame))
	return nil
}

func (c *channel) isOpen() bool {
	select {
	case <-c.done:
		return false
	case <-c.opened:
		return true
	default:
		return false
	}
}

// close releases blocked senders. The data channel itself closes with its
// peer connection.
func (c *channel) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

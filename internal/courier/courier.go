// Package courier implements broadcast media used for signaling. A courier
// has no addressing: every broadcast reaches every other participant, tagged
// with the sender's courier id, and a courier never hears its own messages.
package courier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/supeer/internal/event"
	"github.com/1ureka/supeer/internal/util"
)

// ErrDiscarded is returned by operations on a torn-down courier.
var ErrDiscarded = errors.New("courier discarded")

// Courier is a broadcast medium.
type Courier interface {
	// ID is stable for the lifetime of the courier.
	ID() string
	// Ready blocks until the courier can send and receive.
	Ready(ctx context.Context) error
	// Broadcast sends data, encoded as JSON, to every other participant.
	Broadcast(data any) error
	Events() *Events
	// Discard tears the courier down. It is idempotent.
	Discard()
}

// Envelope is the wire form of a broadcast.
type Envelope struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Message is a received envelope from another participant.
type Message struct {
	ID   string
	Data json.RawMessage
}

// Events are fired by every courier implementation.
type Events struct {
	Receive event.Dispatcher[Message]
	Discard event.Dispatcher[struct{}]
}

// core carries the parts shared by every implementation: identity,
// envelope encoding, self-echo suppression and one-shot discard.
type core struct {
	id     string
	tag    string
	events Events

	discardOnce sync.Once
	done        chan struct{}
}

func newCore(kind string) *core {
	id := util.NewID()
	return &core{
		id:   id,
		tag:  fmt.Sprintf("[%s %s]", kind, util.ShortID(id)),
		done: make(chan struct{}),
	}
}

func (c *core) ID() string      { return c.id }
func (c *core) Events() *Events { return &c.events }

// Done is closed once the courier is discarded.
func (c *core) Done() <-chan struct{} { return c.done }

func (c *core) isDiscarded() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// envelope encodes data under this courier's id.
func (c *core) envelope(data any) ([]byte, error) {
	if c.isDiscarded() {
		return nil, ErrDiscarded
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode broadcast: %w", err)
	}
	return json.Marshal(Envelope{ID: c.id, Data: raw})
}

// receive decodes an inbound envelope and fires Receive unless it is our
// own or malformed.
func (c *core) receive(raw []byte) {
	if c.isDiscarded() {
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.ID == "" {
		util.LogDebug("%s dropping malformed envelope (%d bytes)", c.tag, len(raw))
		return
	}
	if env.ID == c.id {
		return
	}

	c.events.Receive.Fire(Message{ID: env.ID, Data: env.Data})
}

// discard runs teardown once and fires Discard.
func (c *core) discard(teardown func()) {
	c.discardOnce.Do(func() {
		close(c.done)
		if teardown != nil {
			teardown()
		}
		util.LogDebug("%s discarded", c.tag)
		c.events.Discard.Fire(struct{}{})
		c.events.Receive.Clear()
		c.events.Discard.Clear()
	})
}

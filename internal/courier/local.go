package courier

import (
	"context"
	"sync"
)

// Bus connects Local couriers inside one process.
type Bus struct {
	mu      sync.RWMutex
	members map[*Local]struct{}
}

// DefaultBus is shared by Local couriers created without an explicit bus.
var DefaultBus = NewBus()

func NewBus() *Bus {
	return &Bus{members: make(map[*Local]struct{})}
}

func (b *Bus) join(l *Local) {
	b.mu.Lock()
	b.members[l] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus) leave(l *Local) {
	b.mu.Lock()
	delete(b.members, l)
	b.mu.Unlock()
}

// publish delivers raw to every member, the sender included; each member
// filters its own echoes.
func (b *Bus) publish(raw []byte) {
	b.mu.RLock()
	members := make([]*Local, 0, len(b.members))
	for m := range b.members {
		members = append(members, m)
	}
	b.mu.RUnlock()

	for _, m := range members {
		m.receive(raw)
	}
}

// Local is an in-process courier. Broadcasts are delivered synchronously to
// the other members of its bus.
type Local struct {
	*core
	bus *Bus
}

// NewLocal joins bus, or DefaultBus when bus is nil.
func NewLocal(bus *Bus) *Local {
	if bus == nil {
		bus = DefaultBus
	}
	l := &Local{core: newCore("local"), bus: bus}
	bus.join(l)
	return l
}

func (l *Local) Ready(ctx context.Context) error {
	if l.isDiscarded() {
		return ErrDiscarded
	}
	return ctx.Err()
}

func (l *Local) Broadcast(data any) error {
	raw, err := l.envelope(data)
	if err != nil {
		return err
	}
	l.bus.publish(raw)
	return nil
}

func (l *Local) Discard() {
	l.discard(func() { l.bus.leave(l) })
}

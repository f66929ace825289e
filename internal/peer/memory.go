package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/1ureka/supeer/internal/util"
)

// MemoryNetwork links MemoryHosts and MemoryGuests inside one process. It
// follows the same negotiation as the WebRTC peers: an offer, an answer and
// candidates from both sides. A link opens only after each side received a
// candidate from the other, and every candidate names its link, so a
// candidate delivered to the wrong session is detected and counted.
type MemoryNetwork struct {
	mu      sync.Mutex
	offers  map[string]*MemoryGuest
	answers map[string]*memoryLink
	crossed atomic.Int64
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		offers:  make(map[string]*MemoryGuest),
		answers: make(map[string]*memoryLink),
	}
}

// Crossed returns how many candidates reached a session they did not
// belong to.
func (n *MemoryNetwork) Crossed() int64 {
	return n.crossed.Load()
}

// memoryQueueSize bounds the in-flight messages per direction.
const memoryQueueSize = 256

type memoryLink struct {
	id    string
	net   *MemoryNetwork
	host  *MemoryHost
	guest *MemoryGuest

	mu         sync.Mutex
	hostHeard  bool
	guestHeard bool
	opened     bool

	toHost  chan []byte
	toGuest chan []byte
	done    chan struct{}
	closed  atomic.Bool
}

type memoryCandidate struct {
	Candidate string `json:"candidate"`
}

func (l *memoryLink) candidate(side string) json.RawMessage {
	b, _ := json.Marshal(memoryCandidate{Candidate: fmt.Sprintf("memory %s %s", l.id, side)})
	return b
}

// accept returns the inbound candidate handler for the side that expects
// candidates from `from`.
func (l *memoryLink) accept(from string) CandidateFunc {
	return func(raw json.RawMessage) error {
		if IsEndOfCandidates(raw) {
			return nil
		}
		var c memoryCandidate
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if want := fmt.Sprintf("memory %s %s", l.id, from); c.Candidate != want {
			l.net.crossed.Add(1)
			return fmt.Errorf("candidate %q does not belong to link %s", c.Candidate, l.id)
		}

		l.mu.Lock()
		if from == "guest" {
			l.hostHeard = true
		} else {
			l.guestHeard = true
		}
		ready := l.hostHeard && l.guestHeard && !l.opened
		if ready {
			l.opened = true
		}
		l.mu.Unlock()

		if ready {
			l.open()
		}
		return nil
	}
}

func (l *memoryLink) open() {
	select {
	case <-l.done:
		return
	default:
	}

	l.host.events.Connect.Fire(l.id)
	l.guest.events.Connect.Fire(struct{}{})

	go l.pump(l.toHost, func(msg []byte) {
		l.host.events.Receive.Fire(HostMessage{ID: l.id, Message: msg})
	})
	go l.pump(l.toGuest, func(msg []byte) {
		l.guest.events.Receive.Fire(msg)
	})
}

func (l *memoryLink) pump(ch <-chan []byte, deliver func([]byte)) {
	for {
		select {
		case msg := <-ch:
			util.Stats.AddRecv(len(msg))
			deliver(msg)
		case <-l.done:
			return
		}
	}
}

func (l *memoryLink) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return false
	default:
		return l.opened
	}
}

func (l *memoryLink) send(ch chan<- []byte, msg []byte) error {
	if !l.isOpen() {
		return ErrNotConnected
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case ch <- cp:
		util.Stats.AddSent(len(cp))
		return nil
	case <-l.done:
		return ErrNotConnected
	}
}

func (l *memoryLink) close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.done)

	l.host.mu.Lock()
	delete(l.host.links, l.id)
	l.host.mu.Unlock()

	l.host.events.Disconnect.Fire(l.id)
	l.guest.drop()
}

// ---------------------------------------------------------------------------
// MemoryHost
// ---------------------------------------------------------------------------

// MemoryHost is the Host side of a MemoryNetwork.
type MemoryHost struct {
	net    *MemoryNetwork
	events HostEvents

	mu    sync.Mutex
	links map[string]*memoryLink
}

func (n *MemoryNetwork) NewHost() *MemoryHost {
	return &MemoryHost{net: n, links: make(map[string]*memoryLink)}
}

func (h *MemoryHost) Events() *HostEvents { return &h.events }

func (h *MemoryHost) Connect(ctx context.Context, offer string, onCandidateOut CandidateFunc) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}

	h.net.mu.Lock()
	g, ok := h.net.offers[offer]
	if !ok {
		h.net.mu.Unlock()
		return Answer{}, fmt.Errorf("unknown offer %q", offer)
	}
	l := &memoryLink{
		id:      util.NewID(),
		net:     h.net,
		host:    h,
		guest:   g,
		toHost:  make(chan []byte, memoryQueueSize),
		toGuest: make(chan []byte, memoryQueueSize),
		done:    make(chan struct{}),
	}
	answer := "answer " + l.id
	h.net.answers[answer] = l
	h.net.mu.Unlock()

	h.mu.Lock()
	h.links[l.id] = l
	h.mu.Unlock()

	if err := onCandidateOut(l.candidate("host")); err != nil {
		return Answer{}, err
	}
	if err := onCandidateOut(EndOfCandidates); err != nil {
		return Answer{}, err
	}

	return Answer{ID: l.id, SDP: answer, OnCandidateIn: l.accept("guest")}, nil
}

func (h *MemoryHost) Send(msg []byte, ids ...string) error {
	links, err := h.lookup(ids)
	for _, l := range links {
		if !l.isOpen() {
			if len(ids) > 0 {
				err = errors.Join(err, ErrNotConnected)
			}
			continue
		}
		err = errors.Join(err, l.send(l.toGuest, msg))
	}
	return err
}

func (h *MemoryHost) Disconnect(ids ...string) {
	links, _ := h.lookup(ids)
	for _, l := range links {
		l.close()
	}
}

func (h *MemoryHost) Connected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, l := range h.links {
		if l.isOpen() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *MemoryHost) lookup(ids []string) ([]*memoryLink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(ids) == 0 {
		all := make([]*memoryLink, 0, len(h.links))
		for _, l := range h.links {
			all = append(all, l)
		}
		return all, nil
	}

	var err error
	var found []*memoryLink
	for _, id := range ids {
		if l, ok := h.links[id]; ok {
			found = append(found, l)
		} else {
			err = errors.Join(err, fmt.Errorf("%s: %w", id, ErrUnknownLine))
		}
	}
	return found, err
}

// ---------------------------------------------------------------------------
// MemoryGuest
// ---------------------------------------------------------------------------

// MemoryGuest is the Guest side of a MemoryNetwork.
type MemoryGuest struct {
	net    *MemoryNetwork
	events GuestEvents

	mu      sync.Mutex
	offer   string
	link    *memoryLink
	dropped atomic.Bool
}

func (n *MemoryNetwork) NewGuest() *MemoryGuest {
	return &MemoryGuest{net: n}
}

func (g *MemoryGuest) Events() *GuestEvents { return &g.events }

func (g *MemoryGuest) CreateJoinRequest(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.offer == "" {
		g.offer = "offer " + util.NewID()
		g.net.mu.Lock()
		g.net.offers[g.offer] = g
		g.net.mu.Unlock()
	}
	return g.offer, nil
}

func (g *MemoryGuest) Connect(ctx context.Context, answer string, onCandidateOut CandidateFunc) (CandidateFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.net.mu.Lock()
	l, ok := g.net.answers[answer]
	g.net.mu.Unlock()
	if !ok || l.guest != g {
		return nil, fmt.Errorf("unknown answer %q", answer)
	}

	g.mu.Lock()
	g.link = l
	g.mu.Unlock()

	if err := onCandidateOut(l.candidate("guest")); err != nil {
		return nil, err
	}
	if err := onCandidateOut(EndOfCandidates); err != nil {
		return nil, err
	}
	return l.accept("host"), nil
}

func (g *MemoryGuest) Send(msg []byte) error {
	g.mu.Lock()
	l := g.link
	g.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	return l.send(l.toHost, msg)
}

// Disconnect closes the link, or just marks the guest gone if it never
// connected.
func (g *MemoryGuest) Disconnect() {
	g.mu.Lock()
	l := g.link
	g.mu.Unlock()
	if l != nil {
		l.close()
		return
	}
	g.drop()
}

func (g *MemoryGuest) drop() {
	if !g.dropped.CompareAndSwap(false, true) {
		return
	}
	g.net.mu.Lock()
	delete(g.net.offers, g.offer)
	g.net.mu.Unlock()
	g.events.Disconnect.Fire(struct{}{})
}

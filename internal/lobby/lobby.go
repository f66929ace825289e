// Package lobby negotiates peer links over a courier. A host opens a Lobby
// under a code; guests Join by broadcasting that code. Since a courier has
// no addressing, every reply embeds the courier id of its recipient and is
// only consumed by the participant owning that id, and candidate exchange
// ends with an empty-object sentinel.
package lobby

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/event"
	"github.com/1ureka/supeer/internal/peer"
	"github.com/1ureka/supeer/internal/util"
)

// ErrClosed is returned by operations on a closed lobby.
var ErrClosed = errors.New("lobby closed")

// Host is the peer side a lobby admits guests into.
type Host interface {
	Connect(ctx context.Context, offer string, onCandidateOut peer.CandidateFunc) (peer.Answer, error)
	Disconnect(ids ...string)
	Events() *peer.HostEvents
}

// Events of a Lobby.
type Events struct {
	// Admit fires with the host line id of each negotiated guest.
	Admit event.Dispatcher[string]
	// Close fires once.
	Close event.Dispatcher[struct{}]
}

// Lobby admits guests whose join carries its code.
type Lobby struct {
	code    string
	courier courier.Courier
	host    Host
	tag     string
	events  Events

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	open       bool
	admissions map[string]*admission // by guest courier id
	lines      map[string]string     // host line id -> guest courier id

	receive    event.Handle
	discard    event.Handle
	disconnect event.Handle
	closeOnce  sync.Once
}

type admission struct {
	sender  string
	answer  string
	inbound *peer.CandidateQueue
	handle  event.Handle
}

// New opens a lobby on c for host. An empty code is replaced by a random
// five digit one.
func New(c courier.Courier, host Host, code string) *Lobby {
	if code == "" {
		code = randomCode()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Lobby{
		code:       code,
		courier:    c,
		host:       host,
		tag:        fmt.Sprintf("[lobby %s]", code),
		ctx:        ctx,
		cancel:     cancel,
		open:       true,
		admissions: make(map[string]*admission),
		lines:      make(map[string]string),
	}

	l.receive = c.Events().Receive.On(l.onReceive)
	l.discard = c.Events().Discard.On(func(struct{}) { l.Close() })
	l.disconnect = host.Events().Disconnect.On(l.onLineClosed)

	return l
}

func (l *Lobby) Code() string    { return l.code }
func (l *Lobby) Events() *Events { return &l.events }

func (l *Lobby) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Ready waits for the underlying courier.
func (l *Lobby) Ready(ctx context.Context) error {
	if !l.IsOpen() {
		return ErrClosed
	}
	return l.courier.Ready(ctx)
}

// Close stops admitting guests. It is idempotent; links already negotiated
// are left to the host.
func (l *Lobby) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.open = false
		admissions := l.admissions
		l.admissions = make(map[string]*admission)
		l.lines = make(map[string]string)
		l.mu.Unlock()

		l.cancel()

		events := l.courier.Events()
		events.Receive.Forget(l.receive)
		events.Discard.Forget(l.discard)
		l.host.Events().Disconnect.Forget(l.disconnect)

		for _, a := range admissions {
			events.Receive.Forget(a.handle)
			a.inbound.Close()
		}

		util.LogDebug("%s closed", l.tag)
		l.events.Close.Fire(struct{}{})
	})
}

func (l *Lobby) onReceive(m courier.Message) {
	msg, ok, err := decode(m.Data)
	if err != nil {
		util.LogWarning("%s malformed signaling message from %s: %v", l.tag, util.ShortID(m.ID), err)
		return
	}
	if !ok || msg.Type != TypeJoin || msg.Code != l.code {
		return
	}
	l.admit(m.ID, msg.Request)
}

// admit starts negotiating with the guest behind sender. A repeated join
// from a guest already being admitted re-sends the accept if it is known.
func (l *Lobby) admit(sender, request string) {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return
	}
	if a, ok := l.admissions[sender]; ok {
		answer := a.answer
		l.mu.Unlock()
		if answer != "" {
			util.LogDebug("%s repeated join from %s, re-sending accept", l.tag, util.ShortID(sender))
			l.broadcast(Message{Type: TypeAccept, ID: sender, Response: answer})
		}
		return
	}

	a := &admission{
		sender:  sender,
		inbound: &peer.CandidateQueue{Tag: l.tag},
	}
	l.admissions[sender] = a
	a.handle = l.courier.Events().Receive.Listen(candidateFilter(l.courier, sender, l.tag, a.inbound))
	l.mu.Unlock()

	util.LogInfo("%s admitting %s", l.tag, util.ShortID(sender))
	go l.negotiate(a, request)
}

func (l *Lobby) negotiate(a *admission, request string) {
	// Host candidates wait until the accept is out: the guest learns which
	// courier id to trust from the accept.
	outbound := &peer.CandidateQueue{Tag: l.tag}

	answer, err := l.host.Connect(l.ctx, request, func(c json.RawMessage) error {
		outbound.Push(c)
		return nil
	})
	if err != nil {
		util.LogError("%s failed to answer %s: %v", l.tag, util.ShortID(a.sender), err)
		outbound.Close()
		l.forget(a.sender)
		return
	}

	a.inbound.Attach(answer.OnCandidateIn)

	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		outbound.Close()
		util.LogDebug("%s closed while answering %s, dropping line", l.tag, util.ShortID(a.sender))
		l.host.Disconnect(answer.ID)
		return
	}
	a.answer = answer.SDP
	l.lines[answer.ID] = a.sender
	l.mu.Unlock()

	l.broadcast(Message{Type: TypeAccept, ID: a.sender, Response: answer.SDP})
	outbound.Attach(func(c json.RawMessage) error {
		return l.courier.Broadcast(Message{Type: TypeCandidate, ID: a.sender, Candidate: c})
	})

	util.Stats.AddAdmission()
	l.events.Admit.Fire(answer.ID)
}

// candidateFilter consumes candidates sent by `from` to courier c and stops
// at the end-of-candidates sentinel.
func candidateFilter(c courier.Courier, from, tag string, queue *peer.CandidateQueue) func(courier.Message) bool {
	return func(m courier.Message) bool {
		if m.ID != from {
			return true
		}
		msg, ok, err := decode(m.Data)
		if err != nil {
			util.LogWarning("%s malformed signaling message from %s: %v", tag, util.ShortID(m.ID), err)
			return true
		}
		if !ok || msg.Type != TypeCandidate || msg.ID != c.ID() {
			return true
		}
		if peer.IsEndOfCandidates(msg.Candidate) {
			util.LogDebug("%s end of candidates from %s", tag, util.ShortID(from))
			return false
		}
		queue.Push(msg.Candidate)
		return true
	}
}

func (l *Lobby) onLineClosed(lineID string) {
	l.mu.Lock()
	sender, ok := l.lines[lineID]
	if ok {
		delete(l.lines, lineID)
	}
	l.mu.Unlock()

	if ok {
		l.forget(sender)
	}
}

// forget drops an admission so the guest may join again.
func (l *Lobby) forget(sender string) {
	l.mu.Lock()
	a, ok := l.admissions[sender]
	if ok {
		delete(l.admissions, sender)
	}
	l.mu.Unlock()

	if ok {
		l.courier.Events().Receive.Forget(a.handle)
		a.inbound.Close()
	}
}

func (l *Lobby) broadcast(msg Message) {
	if err := l.courier.Broadcast(msg); err != nil {
		util.LogWarning("%s broadcast %s failed: %v", l.tag, msg.Type, err)
	}
}

func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(90000))
	if err != nil {
		return "10000"
	}
	return fmt.Sprintf("%05d", n.Int64()+10000)
}

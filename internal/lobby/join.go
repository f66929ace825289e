package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/event"
	"github.com/1ureka/supeer/internal/peer"
	"github.com/1ureka/supeer/internal/util"
)

// ErrJoinTimeout is wrapped by the error Join returns when it times out.
var ErrJoinTimeout = errors.New("join timed out")

const (
	DefaultRetryInterval = 2 * time.Second
	DefaultTimeout       = 60 * time.Second
)

// Guest is the peer side joining a lobby.
type Guest interface {
	CreateJoinRequest(ctx context.Context) (string, error)
	Connect(ctx context.Context, answer string, onCandidateOut peer.CandidateFunc) (peer.CandidateFunc, error)
	Events() *peer.GuestEvents
}

// JoinOptions tune Join. Zero RetryInterval means DefaultRetryInterval;
// zero Timeout disables the timeout.
type JoinOptions struct {
	RetryInterval time.Duration
	Timeout       time.Duration
}

// Join connects guest to the lobby with the given code. The join request
// is re-broadcast every RetryInterval until the guest reports connect, the
// timeout elapses or ctx ends. The timeout covers the whole exchange,
// courier readiness included.
func Join(ctx context.Context, c courier.Courier, guest Guest, code string, opts JoinOptions) error {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	j := &joiner{
		courier: c,
		guest:   guest,
		code:    code,
		tag:     fmt.Sprintf("[join %s]", code),
		failed:  make(chan error, 1),
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.ctx = ctx

	connected := make(chan struct{})
	var connectedOnce sync.Once
	connect := guest.Events().Connect.On(func(struct{}) {
		connectedOnce.Do(func() { close(connected) })
	})
	defer guest.Events().Connect.Forget(connect)

	succeeded := false
	defer func() { j.cleanup(succeeded) }()

	timedOut := func() error {
		util.Stats.AddTimeout()
		return fmt.Errorf("request to join lobby %q timed out after %s: %w",
			code, formatElapsed(opts.Timeout), ErrJoinTimeout)
	}

	ready := make(chan error, 1)
	go func() { ready <- c.Ready(ctx) }()
	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("courier not ready: %w", err)
		}
	case <-timeout:
		return timedOut()
	case <-ctx.Done():
		return ctx.Err()
	}

	j.mu.Lock()
	j.accept = c.Events().Receive.Listen(j.onAccept)
	j.mu.Unlock()

	request, err := guest.CreateJoinRequest(ctx)
	if err != nil {
		return fmt.Errorf("create join request: %w", err)
	}

	join := Message{Type: TypeJoin, Code: code, Request: request}
	if err := c.Broadcast(join); err != nil {
		return fmt.Errorf("broadcast join: %w", err)
	}
	util.LogInfo("%s waiting for host", j.tag)

	retry := time.NewTicker(opts.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-connected:
			succeeded = true
			util.Stats.AddJoin()
			util.LogSuccess("%s connected", j.tag)
			return nil

		case <-retry.C:
			if err := c.Broadcast(join); err != nil {
				return fmt.Errorf("broadcast join: %w", err)
			}

		case err := <-j.failed:
			return err

		case <-timeout:
			return timedOut()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// joiner is the guest-side state of one Join call.
type joiner struct {
	ctx     context.Context
	courier courier.Courier
	guest   Guest
	code    string
	tag     string
	failed  chan error

	mu         sync.Mutex
	accept     event.Handle
	candidates event.Handle
	inbound    *peer.CandidateQueue
	done       bool
}

// onAccept waits for the accept addressed to this courier, then starts the
// candidate exchange with its sender.
func (j *joiner) onAccept(m courier.Message) bool {
	msg, ok, err := decode(m.Data)
	if err != nil {
		util.LogWarning("%s malformed signaling message from %s: %v", j.tag, util.ShortID(m.ID), err)
		return true
	}
	if !ok || msg.Type != TypeAccept || msg.ID != j.courier.ID() {
		return true
	}

	host := m.ID
	inbound := &peer.CandidateQueue{Tag: j.tag}

	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return false
	}
	j.inbound = inbound
	j.candidates = j.courier.Events().Receive.Listen(candidateFilter(j.courier, host, j.tag, inbound))
	j.mu.Unlock()

	util.LogDebug("%s accepted by %s", j.tag, util.ShortID(host))

	go func() {
		in, err := j.guest.Connect(j.ctx, msg.Response, func(c json.RawMessage) error {
			return j.courier.Broadcast(Message{Type: TypeCandidate, ID: host, Candidate: c})
		})
		if err != nil {
			select {
			case j.failed <- fmt.Errorf("connect to host: %w", err):
			default:
			}
			return
		}
		inbound.Attach(in)
	}()

	return false
}

// cleanup runs once when Join returns. On success the candidate listener
// stays until the host's end-of-candidates sentinel or a guest disconnect.
func (j *joiner) cleanup(succeeded bool) {
	j.mu.Lock()
	j.done = true
	accept, candidates, inbound := j.accept, j.candidates, j.inbound
	j.mu.Unlock()

	events := j.courier.Events()
	events.Receive.Forget(accept)

	if succeeded {
		if candidates != 0 {
			j.guest.Events().Disconnect.Once(func(struct{}) {
				events.Receive.Forget(candidates)
				inbound.Close()
			})
		}
		return
	}

	if candidates != 0 {
		events.Receive.Forget(candidates)
		inbound.Close()
	}
}

// formatElapsed renders a duration as "Xm Ys" from one minute up, else in
// seconds, or milliseconds below one second.
func formatElapsed(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return fmt.Sprintf("%dm %ds", int(d/time.Minute), int(d%time.Minute/time.Second))
	case d >= time.Second:
		return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
	default:
		return d.Round(time.Millisecond).String()
	}
}

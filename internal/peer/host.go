package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/supeer/internal/util"
)

// Host accepts any number of guests. Each accepted offer becomes a line
// with its own peer connection, identified by a generated id.
type Host struct {
	cfg    Config
	events HostEvents

	mu    sync.Mutex
	lines map[string]*line
}

type line struct {
	id      string
	tag     string
	pc      *webrtc.PeerConnection
	ch      *channel
	out     *CandidateQueue
	dropped atomic.Bool
}

func NewHost(cfg Config) *Host {
	return &Host{
		cfg:   cfg,
		lines: make(map[string]*line),
	}
}

func (h *Host) Events() *HostEvents { return &h.events }

// Connect answers a guest's offer. Local candidates are passed to
// onCandidateOut as they are gathered, ending with EndOfCandidates.
func (h *Host) Connect(ctx context.Context, offer string, onCandidateOut CandidateFunc) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}

	pc, err := h.cfg.newPeerConnection()
	if err != nil {
		return Answer{}, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("create data channel: %w", err)
	}

	id := util.NewID()
	l := &line{
		id:  id,
		tag: fmt.Sprintf("[host %s]", util.ShortID(id)),
		pc:  pc,
	}
	l.out = &CandidateQueue{Tag: l.tag}

	l.ch = newChannel(dc, h.cfg.Writer, l.tag,
		func() {
			util.LogDebug("%s data channel open", l.tag)
			h.events.Connect.Fire(id)
		},
		func(msg []byte) {
			h.events.Receive.Fire(HostMessage{ID: id, Message: msg})
		},
		func(err error) {
			util.LogWarning("%s malformed frame, dropping line: %v", l.tag, err)
			h.drop(l)
		},
	)

	dc.OnClose(func() { h.drop(l) })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("%s peer connection %s", l.tag, state)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			h.drop(l)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if raw := encodeCandidate(c); raw != nil {
			l.out.Push(raw)
		}
	})

	h.mu.Lock()
	h.lines[id] = l
	h.mu.Unlock()

	answer, err := h.negotiate(pc, offer)
	if err != nil {
		h.drop(l)
		return Answer{}, err
	}

	l.out.Attach(onCandidateOut)

	return Answer{
		ID:  id,
		SDP: answer,
		OnCandidateIn: func(raw json.RawMessage) error {
			return addCandidate(pc, raw)
		},
	}, nil
}

func (h *Host) negotiate(pc *webrtc.PeerConnection, offer string) (string, error) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// Send delivers msg to the given lines, or to every open line when ids is
// empty.
func (h *Host) Send(msg []byte, ids ...string) error {
	targets, err := h.lookup(ids)

	for _, l := range targets {
		if l.ch.isOpen() {
			err = errors.Join(err, l.ch.send(msg))
		} else if len(ids) > 0 {
			err = errors.Join(err, fmt.Errorf("%s: %w", l.tag, ErrNotConnected))
		}
	}
	return err
}

// Disconnect closes the given lines, or every line when ids is empty.
func (h *Host) Disconnect(ids ...string) {
	targets, _ := h.lookup(ids)
	for _, l := range targets {
		h.drop(l)
	}
}

// Connected returns the ids of lines whose data channel is open.
func (h *Host) Connected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.lines))
	for id, l := range h.lines {
		if l.ch.isOpen() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *Host) lookup(ids []string) ([]*line, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(ids) == 0 {
		all := make([]*line, 0, len(h.lines))
		for _, l := range h.lines {
			all = append(all, l)
		}
		return all, nil
	}

	var err error
	found := make([]*line, 0, len(ids))
	for _, id := range ids {
		if l, ok := h.lines[id]; ok {
			found = append(found, l)
		} else {
			err = errors.Join(err, fmt.Errorf("%s: %w", id, ErrUnknownLine))
		}
	}
	return found, err
}

// drop tears a line down once and fires Disconnect.
func (h *Host) drop(l *line) {
	if !l.dropped.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	delete(h.lines, l.id)
	h.mu.Unlock()

	l.ch.close()
	l.out.Close()
	// Close may be reached from a pion callback; do not block it.
	go l.pc.Close()

	util.LogDebug("%s disconnected", l.tag)
	h.events.Disconnect.Fire(l.id)
}

package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/supeer/internal/util"
)

// Guest is the joining end of a single link.
type Guest struct {
	tag    string
	pc     *webrtc.PeerConnection
	ch     *channel
	out    *CandidateQueue
	events GuestEvents

	dropped atomic.Bool
}

// NewGuest prepares a peer connection; CreateJoinRequest produces its offer.
func NewGuest(cfg Config) (*Guest, error) {
	pc, err := cfg.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	g := &Guest{tag: fmt.Sprintf("[guest %s]", util.ShortID(util.NewID())), pc: pc}
	g.out = &CandidateQueue{Tag: g.tag}

	g.ch = newChannel(dc, cfg.Writer, g.tag,
		func() {
			util.LogDebug("%s data channel open", g.tag)
			g.events.Connect.Fire(struct{}{})
		},
		func(msg []byte) { g.events.Receive.Fire(msg) },
		func(err error) {
			util.LogWarning("%s malformed frame, disconnecting: %v", g.tag, err)
			g.Disconnect()
		},
	)

	dc.OnClose(g.Disconnect)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("%s peer connection %s", g.tag, state)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			g.Disconnect()
		}
	})
	// Gathering starts with the local offer, before the signaling sink is
	// known; the queue holds candidates until Connect attaches it.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if raw := encodeCandidate(c); raw != nil {
			g.out.Push(raw)
		}
	})

	return g, nil
}

func (g *Guest) Events() *GuestEvents { return &g.events }

// CreateJoinRequest creates and applies the local offer and returns its SDP.
func (g *Guest) CreateJoinRequest(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := g.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := g.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// Connect applies the host's answer and starts forwarding local candidates.
func (g *Guest) Connect(ctx context.Context, answer string, onCandidateOut CandidateFunc) (CandidateFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return nil, fmt.Errorf("set remote answer: %w", err)
	}

	g.out.Attach(onCandidateOut)

	return func(raw json.RawMessage) error {
		return addCandidate(g.pc, raw)
	}, nil
}

func (g *Guest) Send(msg []byte) error {
	return g.ch.send(msg)
}

// Disconnect closes the link once and fires Disconnect. Subscribers may
// call it again.
func (g *Guest) Disconnect() {
	if !g.dropped.CompareAndSwap(false, true) {
		return
	}
	g.ch.close()
	g.out.Close()
	go g.pc.Close()

	util.LogDebug("%s disconnected", g.tag)
	g.events.Disconnect.Fire(struct{}{})
}

package peer

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/supeer/internal/buffered"
)

// DefaultICEServers are public STUN servers. No TURN: links are meant to be
// direct.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// Config describes how peer connections are built.
type Config struct {
	ICEServers []webrtc.ICEServer

	// IncludeLoopback gathers 127.0.0.1 candidates, needed when both peers
	// run on one machine without another interface.
	IncludeLoopback bool

	// Writer frames outgoing messages; the receiving side decodes with the
	// same codec.
	Writer buffered.Writer
}

// DefaultConfig uses the public STUN servers and JSON frames.
func DefaultConfig() Config {
	return Config{ICEServers: DefaultICEServers}
}

func (c Config) api() *webrtc.API {
	se := webrtc.SettingEngine{}
	if c.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func (c Config) newPeerConnection() (*webrtc.PeerConnection, error) {
	return c.api().NewPeerConnection(webrtc.Configuration{ICEServers: c.ICEServers})
}

// newDataChannel creates the pre-negotiated data channel (ID 0) carrying a
// link. It is ordered: frames of one message must arrive in sequence.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("supeer", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// encodeCandidate converts a gathered candidate into its signaling form;
// nil (end of gathering) becomes the sentinel.
func encodeCandidate(c *webrtc.ICECandidate) json.RawMessage {
	if c == nil {
		return EndOfCandidates
	}
	b, err := json.Marshal(c.ToJSON())
	if err != nil {
		return nil
	}
	return b
}

// addCandidate applies a remote candidate; the sentinel is a no-op.
func addCandidate(pc *webrtc.PeerConnection, raw json.RawMessage) error {
	if IsEndOfCandidates(raw) {
		return nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return err
	}
	return pc.AddICECandidate(init)
}

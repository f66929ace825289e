// Package peer provides the two ends of a peer link: a Host accepting many
// guests and a Guest connected to exactly one host. Messages travel as
// buffered frames over one ordered data channel per link.
package peer

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/1ureka/supeer/internal/event"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrUnknownLine  = errors.New("unknown peer line")
)

// EndOfCandidates is the candidate sentinel meaning no more candidates.
var EndOfCandidates = json.RawMessage(`{}`)

// IsEndOfCandidates reports whether raw is the empty-object sentinel.
func IsEndOfCandidates(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return len(m) == 0
}

// CandidateFunc consumes one ICE candidate in its JSON form.
type CandidateFunc func(candidate json.RawMessage) error

// Answer is the host's reply to a join offer.
type Answer struct {
	ID            string
	SDP           string
	OnCandidateIn CandidateFunc
}

// HostMessage is a message received from one guest line.
type HostMessage struct {
	ID      string
	Message []byte
}

// HostEvents carries line ids; Connect always fires before the first
// Receive of a line.
type HostEvents struct {
	Connect    event.Dispatcher[string]
	Disconnect event.Dispatcher[string]
	Receive    event.Dispatcher[HostMessage]
}

// GuestEvents mirror HostEvents for the single host link.
type GuestEvents struct {
	Connect    event.Dispatcher[struct{}]
	Disconnect event.Dispatcher[struct{}]
	Receive    event.Dispatcher[[]byte]
}

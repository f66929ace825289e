package lobby

import (
	"encoding/json"
	"fmt"
)

// Type tags a signaling message.
type Type string

const (
	TypeJoin      Type = "join"
	TypeAccept    Type = "accept"
	TypeCandidate Type = "candidate"
)

// Message is the JSON payload broadcast through a courier during signaling.
//
//	join:      {type, code, request}
//	accept:    {type, id, response}   id = guest's courier id
//	candidate: {type, id, candidate}  id = recipient's courier id
type Message struct {
	Type      Type            `json:"type"`
	Code      string          `json:"code,omitempty"`
	Request   string          `json:"request,omitempty"`
	ID        string          `json:"id,omitempty"`
	Response  string          `json:"response,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// decode parses and validates a courier payload. Payloads that are not
// signaling messages at all (other protocols sharing the courier) return
// ok=false without an error.
func decode(data json.RawMessage) (msg Message, ok bool, err error) {
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false, nil
	}

	switch msg.Type {
	case TypeJoin:
		if msg.Request == "" {
			return msg, false, fmt.Errorf("join without request")
		}
	case TypeAccept:
		if msg.ID == "" || msg.Response == "" {
			return msg, false, fmt.Errorf("accept without id or response")
		}
	case TypeCandidate:
		if msg.ID == "" || len(msg.Candidate) == 0 {
			return msg, false, fmt.Errorf("candidate without id or candidate")
		}
	default:
		return msg, false, nil
	}
	return msg, true, nil
}

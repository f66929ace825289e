package repeater

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"github.com/1ureka/supeer/internal/peer"
)

// EncodingBase64 marks a message carried as standard base64. Messages
// without an encoding are UTF-8 text.
const EncodingBase64 = "base64"

// Request is one line written by a local application.
type Request struct {
	Message  string `json:"message"`
	Encoding string `json:"encoding,omitempty"`
	// IDs targets host lines; empty means every line. Ignored for guests.
	IDs []string `json:"ids,omitempty"`
}

// payload returns the message bytes the peer sends.
func (r Request) payload() ([]byte, error) {
	switch r.Encoding {
	case "":
		return []byte(r.Message), nil
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(r.Message)
	default:
		return nil, fmt.Errorf("unknown encoding %q", r.Encoding)
	}
}

// Event is one line written to local applications. Received messages that
// are not valid UTF-8 are base64 encoded and flagged by Encoding.
type Event struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Message  string `json:"message,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

func receiveEvent(id string, msg []byte) Event {
	ev := Event{Type: EventReceive, ID: id}
	if utf8.Valid(msg) {
		ev.Message = string(msg)
	} else {
		ev.Message = base64.StdEncoding.EncodeToString(msg)
		ev.Encoding = EncodingBase64
	}
	return ev
}

const (
	EventReceive    = "receive"
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Binding ties a Repeater to one peer.
type Binding interface {
	send(msg []byte, ids []string) error
	bind(emit func(Event)) (unbind func())
}

// HostPeer is the part of a host a Repeater uses.
type HostPeer interface {
	Events() *peer.HostEvents
	Send(msg []byte, ids ...string) error
}

// GuestPeer is the part of a guest a Repeater uses.
type GuestPeer interface {
	Events() *peer.GuestEvents
	Send(msg []byte) error
}

// ForHost repeats a host: events carry the line id.
func ForHost(h HostPeer) Binding { return hostBinding{h} }

// ForGuest repeats a guest.
func ForGuest(g GuestPeer) Binding { return guestBinding{g} }

type hostBinding struct{ h HostPeer }

func (b hostBinding) send(msg []byte, ids []string) error {
	return b.h.Send(msg, ids...)
}

func (b hostBinding) bind(emit func(Event)) func() {
	events := b.h.Events()
	receive := events.Receive.On(func(m peer.HostMessage) {
		emit(receiveEvent(m.ID, m.Message))
	})
	connect := events.Connect.On(func(id string) { emit(Event{Type: EventConnect, ID: id}) })
	disconnect := events.Disconnect.On(func(id string) { emit(Event{Type: EventDisconnect, ID: id}) })

	return func() {
		events.Receive.Forget(receive)
		events.Connect.Forget(connect)
		events.Disconnect.Forget(disconnect)
	}
}

type guestBinding struct{ g GuestPeer }

func (b guestBinding) send(msg []byte, _ []string) error {
	return b.g.Send(msg)
}

func (b guestBinding) bind(emit func(Event)) func() {
	events := b.g.Events()
	receive := events.Receive.On(func(msg []byte) {
		emit(receiveEvent("", msg))
	})
	connect := events.Connect.On(func(struct{}) { emit(Event{Type: EventConnect}) })
	disconnect := events.Disconnect.On(func(struct{}) { emit(Event{Type: EventDisconnect}) })

	return func() {
		events.Receive.Forget(receive)
		events.Connect.Forget(connect)
		events.Disconnect.Forget(disconnect)
	}
}

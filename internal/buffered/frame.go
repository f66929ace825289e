// Package buffered splits messages into bounded frames and reassembles them
// on the receiving side.
//
// A frame records the total message size, the offset of its data inside the
// message and, when the message was compressed, the compression name. The
// encoding of a frame onto the wire is a Codec, so the same framing works for
// text-only channels (JSON, base64 data, newline delimited) and binary ones
// (CBOR, length prefixed).
package buffered

import "errors"

const (
	// DefaultChunkSize is the maximum number of payload bytes per frame.
	DefaultChunkSize = 16 * 1024

	// DefaultMaxMessageSize bounds the size a Reader accepts for one message.
	DefaultMaxMessageSize = 64 * 1024 * 1024
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrMessageTooLarge = errors.New("message too large")
)

// Frame is one chunk of a message.
type Frame struct {
	Size        int    `json:"size" cbor:"1,keyasint"`
	Offset      int    `json:"offset" cbor:"2,keyasint"`
	Data        []byte `json:"data" cbor:"3,keyasint"`
	Compression string `json:"compression,omitempty" cbor:"4,keyasint,omitempty"`
}

// Send transmits one encoded frame.
type Send func(frame []byte) error

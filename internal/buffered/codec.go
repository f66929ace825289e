package buffered

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns frames into wire records and finds record boundaries in a
// byte stream.
type Codec interface {
	Name() string

	// Append encodes f, including its delimiter or length prefix, onto dst.
	Append(dst []byte, f Frame) ([]byte, error)

	// Split returns the length of the first complete record in data and the
	// record body. advance == 0 means more data is needed.
	Split(data []byte) (advance int, record []byte, err error)

	// Decode parses a record body returned by Split.
	Decode(record []byte) (Frame, error)
}

var (
	// JSON is a text-safe codec: one JSON object per line, data in base64.
	JSON Codec = jsonCodec{}

	// CBOR is a compact binary codec: uvarint length followed by a CBOR map.
	CBOR Codec = cborCodec{}
)

// CodecByName resolves a codec from configuration.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Append(dst []byte, f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return dst, err
	}
	dst = append(dst, b...)
	return append(dst, '\n'), nil
}

// Split looks for the newline terminator. encoding/json escapes control
// characters and the payload is base64, so a raw '\n' only ever ends a record.
func (jsonCodec) Split(data []byte) (int, []byte, error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return 0, nil, nil
	}
	return i + 1, bytes.TrimSpace(data[:i]), nil
}

func (jsonCodec) Decode(record []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(record, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// CBOR
// ---------------------------------------------------------------------------

// maxRecordLen guards the length prefix against garbage input.
const maxRecordLen = DefaultMaxMessageSize + 1024

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Append(dst []byte, f Frame) ([]byte, error) {
	b, err := cbor.Marshal(f)
	if err != nil {
		return dst, err
	}
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...), nil
}

func (cborCodec) Split(data []byte) (int, []byte, error) {
	n, w := binary.Uvarint(data)
	switch {
	case w == 0:
		return 0, nil, nil
	case w < 0 || n > maxRecordLen:
		return 0, nil, fmt.Errorf("%w: bad length prefix", ErrMalformedFrame)
	}

	end := w + int(n)
	if len(data) < end {
		return 0, nil, nil
	}
	return end, data[w:end], nil
}

func (cborCodec) Decode(record []byte) (Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(record, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is one message between proxy peers. Data carries bytes for the
// connection ID; a frame without data closes it.
type Frame struct {
	ID   string `json:"id"`
	Data []byte `json:"data,omitempty"`
}

func (f Frame) isClose() bool { return len(f.Data) == 0 }

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.ID == "" {
		return Frame{}, errors.New("decode frame: missing id")
	}
	return f, nil
}

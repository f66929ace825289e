package buffered

import "fmt"

// Writer chunks messages into frames. The zero value uses JSON frames of
// DefaultChunkSize bytes without compression.
type Writer struct {
	Codec      Codec
	Compressor Compressor
	ChunkSize  int
}

// Write splits msg into frames and hands every frame to each sender, frame
// by frame, in order. It stops at the first sender error. An empty message
// still produces one frame so the receiving side observes it.
func (w *Writer) Write(msg []byte, senders ...Send) error {
	codec := w.codec()
	chunkSize := w.chunkSize()

	payload, compression, err := w.compress(msg)
	if err != nil {
		return err
	}

	var buf []byte
	offset := 0
	for {
		end := min(offset+chunkSize, len(payload))

		buf, err = codec.Append(buf[:0], Frame{
			Size:        len(payload),
			Offset:      offset,
			Data:        payload[offset:end],
			Compression: compression,
		})
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}

		for _, send := range senders {
			// senders may retain the slice
			frame := make([]byte, len(buf))
			copy(frame, buf)
			if err := send(frame); err != nil {
				return err
			}
		}

		offset = end
		if offset >= len(payload) {
			return nil
		}
	}
}

// Encode returns every frame of msg concatenated, for stream transports
// where a message must be written with a single call.
func (w *Writer) Encode(msg []byte) ([]byte, error) {
	var out []byte
	err := w.Write(msg, func(frame []byte) error {
		out = append(out, frame...)
		return nil
	})
	return out, err
}

func (w *Writer) compress(msg []byte) ([]byte, string, error) {
	if w.Compressor == nil || len(msg) == 0 {
		return msg, "", nil
	}
	out, err := w.Compressor.Compress(msg)
	if err != nil {
		return nil, "", fmt.Errorf("%s compress: %w", w.Compressor.Name(), err)
	}
	return out, w.Compressor.Name(), nil
}

func (w *Writer) codec() Codec {
	if w.Codec == nil {
		return JSON
	}
	return w.Codec
}

func (w *Writer) chunkSize() int {
	if w.ChunkSize < 1 {
		return DefaultChunkSize
	}
	return w.ChunkSize
}

// Write is a convenience for a default Writer with the given chunk size.
func Write(msg []byte, chunkSize int, senders ...Send) error {
	w := Writer{ChunkSize: chunkSize}
	return w.Write(msg, senders...)
}

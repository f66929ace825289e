package buffered

import "fmt"

// Reader reassembles messages from a stream of encoded frames. Feed accepts
// arbitrary splits of the stream. A Reader is not safe for concurrent use;
// it belongs to the goroutine that reads the underlying transport.
type Reader struct {
	codec    Codec
	deliver  func(msg []byte)
	maxSize  int
	pending  []byte
	message  []byte
	filled   int
	started  bool
	compress string
}

// NewReader returns a Reader that calls deliver once per complete message,
// in arrival order.
func NewReader(codec Codec, deliver func(msg []byte)) *Reader {
	if codec == nil {
		codec = JSON
	}
	return &Reader{
		codec:   codec,
		deliver: deliver,
		maxSize: DefaultMaxMessageSize,
	}
}

// SetMaxMessageSize changes the largest message the Reader accepts.
func (r *Reader) SetMaxMessageSize(n int) { r.maxSize = n }

// Feed consumes p. Complete messages are delivered synchronously before
// Feed returns. After an error the Reader state is reset and the stream
// should be considered broken.
func (r *Reader) Feed(p []byte) error {
	r.pending = append(r.pending, p...)

	for {
		advance, record, err := r.codec.Split(r.pending)
		if err != nil {
			r.reset()
			return err
		}
		if advance == 0 {
			break
		}

		r.pending = r.pending[advance:]
		if len(record) == 0 {
			continue
		}

		f, err := r.codec.Decode(record)
		if err != nil {
			r.reset()
			return err
		}
		if err := r.accept(f); err != nil {
			r.reset()
			return err
		}
	}

	if len(r.pending) == 0 {
		r.pending = nil
	}
	return nil
}

// Pending reports whether a message is partially assembled or undecoded
// bytes are buffered.
func (r *Reader) Pending() bool {
	return r.started || len(r.pending) > 0
}

func (r *Reader) accept(f Frame) error {
	if f.Offset == 0 {
		if r.started {
			return fmt.Errorf("%w: new message at offset 0 while %d/%d bytes pending",
				ErrMalformedFrame, r.filled, len(r.message))
		}
		if f.Size < 0 {
			return fmt.Errorf("%w: negative size %d", ErrMalformedFrame, f.Size)
		}
		if f.Size > r.maxSize {
			return fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, f.Size, r.maxSize)
		}
		r.message = make([]byte, f.Size)
		r.filled = 0
		r.started = true
		r.compress = f.Compression
	}

	switch {
	case !r.started:
		return fmt.Errorf("%w: offset %d without message start", ErrMalformedFrame, f.Offset)
	case f.Size != len(r.message):
		return fmt.Errorf("%w: size %d does not match message size %d", ErrMalformedFrame, f.Size, len(r.message))
	case f.Offset != r.filled:
		return fmt.Errorf("%w: offset %d, expected %d", ErrMalformedFrame, f.Offset, r.filled)
	case f.Offset+len(f.Data) > f.Size:
		return fmt.Errorf("%w: %d bytes at offset %d overflow size %d", ErrMalformedFrame, len(f.Data), f.Offset, f.Size)
	}

	r.filled += copy(r.message[f.Offset:], f.Data)
	if r.filled < len(r.message) {
		return nil
	}

	msg, compression := r.message, r.compress
	r.message, r.filled, r.started, r.compress = nil, 0, false, ""

	if compression != "" {
		c, err := CompressorByName(compression)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if c != nil {
			if msg, err = c.Decompress(msg); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, compression, err)
			}
		}
		if len(msg) > r.maxSize {
			return fmt.Errorf("%w: %d bytes after decompression", ErrMessageTooLarge, len(msg))
		}
	}

	r.deliver(msg)
	return nil
}

func (r *Reader) reset() {
	r.pending = nil
	r.message, r.filled, r.started, r.compress = nil, 0, false, ""
}

package buffered

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor transforms whole messages before they are chunked.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

var (
	Zstd Compressor = &zstdCompressor{}
	LZ4  Compressor = lz4Compressor{}
)

// CompressorByName resolves a compressor from configuration or from the
// name carried in a frame. An empty name or "none" means no compression.
func CompressorByName(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return nil, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

// ---------------------------------------------------------------------------
// zstd
// ---------------------------------------------------------------------------

type zstdCompressor struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func (z *zstdCompressor) init() error {
	z.once.Do(func() {
		z.encoder, z.err = zstd.NewWriter(nil)
		if z.err != nil {
			return
		}
		z.decoder, z.err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(DefaultMaxMessageSize))
	})
	return z.err
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.encoder.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.decoder.DecodeAll(src, nil)
}

// ---------------------------------------------------------------------------
// lz4
// ---------------------------------------------------------------------------

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	return io.ReadAll(io.LimitReader(r, DefaultMaxMessageSize+1))
}

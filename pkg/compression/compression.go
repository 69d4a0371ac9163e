// Package compression provides the value codecs used by sstables.
package compression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Type identifies a codec on disk. Values must stay stable.
type Type uint8

const (
	None Type = iota
	Zstd
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseType accepts "none" (or empty) and "zstd".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression %q", s)
	}
}

// Codec compresses single values. Implementations are safe for concurrent use.
type Codec interface {
	Type() Type
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) []byte
	// Decompress appends the decompressed form of src to dst.
	Decompress(dst, src []byte) ([]byte, error)
}

var zstdCodecOnce = sync.OnceValues(newZstdCodec)

// Lookup returns the shared codec for t. None has no codec.
func Lookup(t Type) (Codec, error) {
	switch t {
	case Zstd:
		return zstdCodecOnce()
	case None:
		return nil, fmt.Errorf("no codec for %s", t)
	default:
		return nil, fmt.Errorf("unknown compression type %d", uint8(t))
	}
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Type() Type { return Zstd }

func (c *zstdCodec) Compress(dst, src []byte) []byte {
	return c.enc.EncodeAll(src, dst)
}

func (c *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, dst)
}

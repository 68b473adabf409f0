// Package compression implements the per-block codecs of the table format.
package compression

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Type identifies the codec used for a block. The value is stored on disk.
type Type uint8

const (
	None Type = iota
	Snappy
	Zstd
	S2
)

var (
	// ErrUnknownCodec is returned when an unsupported compression codec is specified
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrInvalidCompressedData is returned when compressed data cannot be decompressed
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

// String returns the codec name
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return fmt.Sprintf("codec(%d)", uint8(t))
	}
}

// ParseType converts a codec name into a Type
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
}

// MarshalText implements encoding.TextMarshaler so configs store the name
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			zstdErr = fmt.Errorf("failed to create ZSTD encoder: %w", zstdErr)
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
		if zstdErr != nil {
			zstdErr = fmt.Errorf("failed to create ZSTD decoder: %w", zstdErr)
		}
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress appends the compressed form of src to dst[:0] and returns it
func Compress(t Type, dst, src []byte) ([]byte, error) {
	switch t {
	case None:
		return append(dst[:0], src...), nil
	case Snappy:
		return snappy.Encode(dst[:cap(dst)], src), nil
	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, dst[:0]), nil
	case S2:
		return s2.Encode(dst[:cap(dst)], src), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, t)
	}
}

// Decompress appends the decompressed form of src to dst[:0] and returns it
func Decompress(t Type, dst, src []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch t {
	case None:
		return append(dst[:0], src...), nil
	case Snappy:
		out, err = snappy.Decode(dst[:cap(dst)], src)
	case Zstd:
		var dec *zstd.Decoder
		if _, dec, err = zstdCodecs(); err != nil {
			return nil, err
		}
		out, err = dec.DecodeAll(src, dst[:0])
	case S2:
		out, err = s2.Decode(dst[:cap(dst)], src)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
	}
	return out, nil
}

// Worthwhile reports whether a compressed block saves at least 12.5% over
// its raw size. Blocks that don't are stored uncompressed.
func Worthwhile(rawLen, compressedLen int) bool {
	return compressedLen < rawLen-rawLen/8
}

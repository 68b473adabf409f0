package block

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultBlockSize is the target size for each data block
	DefaultBlockSize = 16 * 1024
	// DefaultRestartInterval defines how often we store a full key
	DefaultRestartInterval = 16
	// TrailerSize is the on-disk suffix of every block: codec byte + checksum
	TrailerSize = 1 + 8
	// HandleSize is the encoded size of a Handle
	HandleSize = 8 + 4
	// entryFixedSize covers the kind byte and sequence number of an entry
	entryFixedSize = 1 + 8
)

// ErrCorruptBlock is returned when block contents fail to decode
var ErrCorruptBlock = errors.New("corrupt block")

// Handle locates a block payload inside a table file. Length excludes the
// trailer.
type Handle struct {
	Offset uint64
	Length uint32
}

// AppendTo appends the encoded handle to dst
func (h Handle) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.Offset)
	return binary.LittleEndian.AppendUint32(dst, h.Length)
}

// DecodeHandle parses a handle written by AppendTo
func DecodeHandle(b []byte) (Handle, error) {
	if len(b) < HandleSize {
		return Handle{}, ErrCorruptBlock
	}
	return Handle{
		Offset: binary.LittleEndian.Uint64(b[:8]),
		Length: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// Checksum computes the trailer checksum over a stored payload and its codec
func Checksum(payload []byte, codec byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(payload)
	_, _ = d.Write([]byte{codec})
	return d.Sum64()
}

// AppendTrailer appends the trailer for payload to dst
func AppendTrailer(dst, payload []byte, codec byte) []byte {
	dst = append(dst, codec)
	return binary.LittleEndian.AppendUint64(dst, Checksum(payload, codec))
}

// VerifyTrailer checks a payload against its trailer and returns the codec
func VerifyTrailer(payload, trailer []byte) (byte, bool) {
	if len(trailer) != TrailerSize {
		return 0, false
	}
	codec := trailer[0]
	return codec, binary.LittleEndian.Uint64(trailer[1:]) == Checksum(payload, codec)
}

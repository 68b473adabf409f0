package footer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/KevoDB/lsmtree/pkg/sstable/block"
)

const (
	// FooterSize is the fixed size of the footer in bytes
	FooterSize = 64
	// FooterMagic is a magic number to verify we're reading a valid footer
	FooterMagic = uint64(0xFACEFEEDFACEFEED)
	// CurrentVersion is the current file format version
	CurrentVersion = uint32(2)

	checksumOffset = FooterSize - 8
)

// ErrInvalidFooter is returned when footer bytes fail validation
var ErrInvalidFooter = errors.New("invalid sstable footer")

// Footer locates the metadata blocks of a table file.
//
// Layout: magic u64 | version u32 | filter handle | index handle |
// meta handle | reserved | xxhash64 of the preceding 56 bytes.
type Footer struct {
	Magic   uint64
	Version uint32
	Filter  block.Handle
	Index   block.Handle
	Meta    block.Handle
}

// NewFooter creates a new footer with the given block handles
func NewFooter(filter, index, meta block.Handle) *Footer {
	return &Footer{
		Magic:   FooterMagic,
		Version: CurrentVersion,
		Filter:  filter,
		Index:   index,
		Meta:    meta,
	}
}

// Encode serializes the footer to a byte slice
func (f *Footer) Encode() []byte {
	result := make([]byte, 0, FooterSize)
	result = binary.LittleEndian.AppendUint64(result, f.Magic)
	result = binary.LittleEndian.AppendUint32(result, f.Version)
	result = f.Filter.AppendTo(result)
	result = f.Index.AppendTo(result)
	result = f.Meta.AppendTo(result)
	result = append(result, make([]byte, checksumOffset-len(result))...)
	return binary.LittleEndian.AppendUint64(result, xxhash.Sum64(result))
}

// WriteTo writes the footer to an io.Writer
func (f *Footer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Encode())
	return int64(n), err
}

// Decode parses and validates a footer
func Decode(data []byte) (*Footer, error) {
	if len(data) != FooterSize {
		return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrInvalidFooter, len(data), FooterSize)
	}

	if got, want := binary.LittleEndian.Uint64(data[checksumOffset:]), xxhash.Sum64(data[:checksumOffset]); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch: file has %d, calculated %d", ErrInvalidFooter, got, want)
	}

	f := &Footer{
		Magic:   binary.LittleEndian.Uint64(data[0:8]),
		Version: binary.LittleEndian.Uint32(data[8:12]),
	}
	if f.Magic != FooterMagic {
		return nil, fmt.Errorf("%w: magic %x, expected %x", ErrInvalidFooter, f.Magic, FooterMagic)
	}
	if f.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFooter, f.Version)
	}

	off := 12
	for _, h := range []*block.Handle{&f.Filter, &f.Index, &f.Meta} {
		decoded, err := block.DecodeHandle(data[off:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFooter, err)
		}
		*h = decoded
		off += block.HandleSize
	}
	return f, nil
}

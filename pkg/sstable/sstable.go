package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KevoDB/lsmtree/pkg/sstable/compression"
)

// FileExtension is the suffix of every table file
const FileExtension = ".sst"

var (
	// ErrCorruption indicates data corruption was detected
	ErrCorruption = errors.New("sstable corruption detected")

	// ErrOutOfOrder is returned when entries are not added in strictly
	// increasing key order
	ErrOutOfOrder = errors.New("sstable keys out of order")

	// ErrWriterClosed is returned when using a finished or aborted writer
	ErrWriterClosed = errors.New("sstable writer closed")
)

// metaVersion is the encoding version of the meta block
const metaVersion = 1

// Properties describes a finished table. Everything except FileSize is
// persisted in the meta block.
type Properties struct {
	NumEntries    uint64
	NumTombstones uint64
	MinSeqNum     uint64
	MaxSeqNum     uint64
	CreatedAt     time.Time
	Compression   compression.Type
	Smallest      []byte
	Largest       []byte
	FileSize      uint64
}

func (p *Properties) encode() []byte {
	b := make([]byte, 0, 64+len(p.Smallest)+len(p.Largest))
	b = append(b, metaVersion)
	b = binary.AppendUvarint(b, p.NumEntries)
	b = binary.AppendUvarint(b, p.NumTombstones)
	b = binary.AppendUvarint(b, p.MinSeqNum)
	b = binary.AppendUvarint(b, p.MaxSeqNum)
	b = binary.AppendVarint(b, p.CreatedAt.UnixNano())
	b = append(b, byte(p.Compression))
	b = binary.AppendUvarint(b, uint64(len(p.Smallest)))
	b = append(b, p.Smallest...)
	b = binary.AppendUvarint(b, uint64(len(p.Largest)))
	b = append(b, p.Largest...)
	return b
}

func decodeProperties(b []byte) (*Properties, error) {
	if len(b) == 0 || b[0] != metaVersion {
		return nil, fmt.Errorf("%w: unsupported meta block", ErrCorruption)
	}
	d := metaDecoder{buf: b[1:]}
	p := &Properties{
		NumEntries:    d.uvarint(),
		NumTombstones: d.uvarint(),
		MinSeqNum:     d.uvarint(),
		MaxSeqNum:     d.uvarint(),
	}
	p.CreatedAt = time.Unix(0, d.varint())
	p.Compression = compression.Type(d.u8())
	p.Smallest = d.lengthPrefixed()
	p.Largest = d.lengthPrefixed()
	if d.err != nil {
		return nil, fmt.Errorf("%w: truncated meta block", ErrCorruption)
	}
	return p, nil
}

type metaDecoder struct {
	buf []byte
	err error
}

func (d *metaDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = ErrCorruption
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *metaDecoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.err = ErrCorruption
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *metaDecoder) u8() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.err = ErrCorruption
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *metaDecoder) lengthPrefixed() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = ErrCorruption
		return nil
	}
	v := append([]byte(nil), d.buf[:n]...)
	d.buf = d.buf[n:]
	return v
}

// FileName returns the path of table number num inside dir
func FileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", num, FileExtension))
}

// syncDir fsyncs a directory so a rename inside it is durable
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

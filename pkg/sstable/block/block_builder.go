package block

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

// Builder constructs a sorted, serialized block. Keys are prefix compressed
// against the previous key, with a full key every restartInterval entries.
//
// Entry layout: uvarint shared | uvarint unshared | uvarint valueLen |
// kind u8 | seq u64 | key suffix | value. The block ends with the restart
// offsets (u32 each) and the restart count (u32).
type Builder struct {
	restartInterval int
	buf             *bytebufferpool.ByteBuffer
	restarts        []uint32
	counter         int
	entries         int
	firstKey        []byte
	lastKey         []byte
	finished        bool
}

// NewBuilder creates a new block builder
func NewBuilder(restartInterval int) *Builder {
	if restartInterval < 1 {
		restartInterval = DefaultRestartInterval
	}
	return &Builder{
		restartInterval: restartInterval,
		buf:             bytebufferpool.Get(),
	}
}

// Add appends an entry. Keys must be added in strictly increasing order.
func (b *Builder) Add(e kv.Entry) error {
	if b.finished {
		return fmt.Errorf("block already finished")
	}
	if b.entries > 0 && bytes.Compare(e.Key, b.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly increasing order, got %q after %q",
			e.Key, b.lastKey)
	}

	shared := 0
	if b.counter < b.restartInterval && b.entries > 0 {
		n := len(b.lastKey)
		if len(e.Key) < n {
			n = len(e.Key)
		}
		for shared < n && b.lastKey[shared] == e.Key[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
		b.counter = 0
	}

	var hdr [3*binary.MaxVarintLen64 + entryFixedSize]byte
	n := binary.PutUvarint(hdr[:], uint64(shared))
	n += binary.PutUvarint(hdr[n:], uint64(len(e.Key)-shared))
	n += binary.PutUvarint(hdr[n:], uint64(len(e.Value)))
	hdr[n] = byte(e.Kind)
	binary.LittleEndian.PutUint64(hdr[n+1:], e.SeqNum)
	n += entryFixedSize

	b.buf.B = append(b.buf.B, hdr[:n]...)
	b.buf.B = append(b.buf.B, e.Key[shared:]...)
	b.buf.B = append(b.buf.B, e.Value...)

	if b.entries == 0 {
		b.firstKey = append(b.firstKey[:0], e.Key...)
	}
	b.lastKey = append(b.lastKey[:0], e.Key...)
	b.counter++
	b.entries++
	return nil
}

// EstimatedSize returns the size of the block if finished now
func (b *Builder) EstimatedSize() int {
	return b.buf.Len() + 4*len(b.restarts) + 4
}

// Entries returns the number of entries in the block
func (b *Builder) Entries() int {
	return b.entries
}

// Empty reports whether nothing has been added since the last reset
func (b *Builder) Empty() bool {
	return b.entries == 0
}

// FirstKey returns the first key added
func (b *Builder) FirstKey() []byte {
	return b.firstKey
}

// LastKey returns the last key added
func (b *Builder) LastKey() []byte {
	return b.lastKey
}

// Finish appends the restart array and returns the serialized block. The
// slice is valid until Reset or Release.
func (b *Builder) Finish() []byte {
	if !b.finished {
		for _, r := range b.restarts {
			b.buf.B = binary.LittleEndian.AppendUint32(b.buf.B, r)
		}
		b.buf.B = binary.LittleEndian.AppendUint32(b.buf.B, uint32(len(b.restarts)))
		b.finished = true
	}
	return b.buf.B
}

// Reset clears the builder state for the next block
func (b *Builder) Reset() {
	b.buf.Reset()
	b.restarts = b.restarts[:0]
	b.counter = 0
	b.entries = 0
	b.firstKey = b.firstKey[:0]
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// Release returns the builder's buffer to the pool. The builder must not be
// used afterwards.
func (b *Builder) Release() {
	if b.buf != nil {
		bytebufferpool.Put(b.buf)
		b.buf = nil
	}
}

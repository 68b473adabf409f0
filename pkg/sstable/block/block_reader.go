package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/valyala/bytebufferpool"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

// Block is a fully decoded block. Values alias the block's buffer, so they
// stay valid only until Release.
type Block struct {
	entries []kv.Entry
	buf     *bytebufferpool.ByteBuffer
	size    int
}

// Decode parses a serialized block. The entries alias data.
func Decode(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: block data too small: %d bytes", ErrCorruptBlock, len(data))
	}

	numRestarts := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	dataEnd := len(data) - 4 - numRestarts*4
	if numRestarts < 1 || dataEnd < 0 {
		return nil, fmt.Errorf("%w: invalid restart count %d", ErrCorruptBlock, numRestarts)
	}
	restarts := data[dataEnd : len(data)-4]

	var (
		entries  []kv.Entry
		keySpans [][2]int
		arena    []byte
		prevKey  []byte
		pos      int
		restart  int
	)
	for pos < dataEnd {
		isRestart := restart < numRestarts &&
			int(binary.LittleEndian.Uint32(restarts[restart*4:])) == pos
		if isRestart {
			restart++
		}

		shared, n1 := binary.Uvarint(data[pos:dataEnd])
		if n1 <= 0 {
			return nil, fmt.Errorf("%w: bad shared length at %d", ErrCorruptBlock, pos)
		}
		pos += n1
		unshared, n2 := binary.Uvarint(data[pos:dataEnd])
		if n2 <= 0 {
			return nil, fmt.Errorf("%w: bad key length at %d", ErrCorruptBlock, pos)
		}
		pos += n2
		valueLen, n3 := binary.Uvarint(data[pos:dataEnd])
		if n3 <= 0 {
			return nil, fmt.Errorf("%w: bad value length at %d", ErrCorruptBlock, pos)
		}
		pos += n3

		if int(shared) > len(prevKey) || (isRestart && shared != 0) {
			return nil, fmt.Errorf("%w: bad prefix at %d", ErrCorruptBlock, pos)
		}
		if uint64(dataEnd-pos) < entryFixedSize+unshared+valueLen {
			return nil, fmt.Errorf("%w: entry overruns block at %d", ErrCorruptBlock, pos)
		}

		kind := kv.Kind(data[pos])
		if kind != kv.KindValue && kind != kv.KindDeletion {
			return nil, fmt.Errorf("%w: bad entry kind %d", ErrCorruptBlock, kind)
		}
		seq := binary.LittleEndian.Uint64(data[pos+1:])
		pos += entryFixedSize

		start := len(arena)
		arena = append(arena, prevKey[:shared]...)
		arena = append(arena, data[pos:pos+int(unshared)]...)
		pos += int(unshared)
		keySpans = append(keySpans, [2]int{start, len(arena)})
		prevKey = arena[start:]

		var value []byte
		if kind == kv.KindValue {
			value = data[pos : pos+int(valueLen) : pos+int(valueLen)]
		}
		pos += int(valueLen)

		entries = append(entries, kv.Entry{Value: value, SeqNum: seq, Kind: kind})
	}
	if restart != numRestarts {
		return nil, fmt.Errorf("%w: restart points do not match entries", ErrCorruptBlock)
	}

	for i, span := range keySpans {
		entries[i].Key = arena[span[0]:span[1]:span[1]]
		if i > 0 && bytes.Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			return nil, fmt.Errorf("%w: keys out of order", ErrCorruptBlock)
		}
	}

	return &Block{entries: entries, size: len(data)}, nil
}

// DecodeOwned parses a block held in a pooled buffer. The block takes
// ownership of buf and returns it to the pool on Release.
func DecodeOwned(buf *bytebufferpool.ByteBuffer) (*Block, error) {
	b, err := Decode(buf.B)
	if err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	b.buf = buf
	return b, nil
}

// Release returns the backing buffer to the pool
func (b *Block) Release() {
	if b.buf != nil {
		bytebufferpool.Put(b.buf)
		b.buf = nil
	}
	b.entries = nil
}

// Len returns the number of entries
func (b *Block) Len() int {
	return len(b.entries)
}

// Size returns the serialized size of the block
func (b *Block) Size() int {
	return b.size
}

// Entry returns the i-th entry
func (b *Block) Entry(i int) *kv.Entry {
	return &b.entries[i]
}

// Get binary searches for key
func (b *Block) Get(key []byte) (*kv.Entry, bool) {
	i := b.SeekIndex(key)
	if i < len(b.entries) && bytes.Equal(b.entries[i].Key, key) {
		return &b.entries[i], true
	}
	return nil, false
}

// SeekIndex returns the index of the first entry with key >= target
func (b *Block) SeekIndex(target []byte) int {
	return sort.Search(len(b.entries), func(i int) bool {
		return bytes.Compare(b.entries[i].Key, target) >= 0
	})
}

// NewIterator returns an iterator over the block's entries
func (b *Block) NewIterator() *iterator.SliceIterator {
	return iterator.NewSliceIterator(b.entries)
}

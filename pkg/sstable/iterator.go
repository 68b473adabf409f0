package sstable

import (
	"github.com/KevoDB/lsmtree/pkg/cache"
	"github.com/KevoDB/lsmtree/pkg/common/iterator"
	"github.com/KevoDB/lsmtree/pkg/sstable/block"
)

// Iterator iterates over the entries of an SSTable one data block at a time.
// It pins at most one block in the cache; keys and values it returns are
// valid until the iterator moves.
type Iterator struct {
	reader *Reader
	index  *iterator.SliceIterator
	pinned *cache.Handle[*block.Block]
	data   *iterator.SliceIterator
	err    error
}

var _ iterator.Iterator = (*Iterator)(nil)

// loadBlock pins the block under the index cursor and makes it current
func (it *Iterator) loadBlock() bool {
	it.unpin()
	if !it.index.Valid() {
		return false
	}

	h, err := it.reader.blockHandle(it.index.Entry().Value)
	if err != nil {
		it.err = err
		return false
	}
	bh, err := it.reader.loadBlock(h)
	if err != nil {
		it.err = err
		return false
	}
	it.pinned = bh
	it.data = bh.Value().NewIterator()
	return true
}

func (it *Iterator) unpin() {
	it.data = nil
	if it.pinned != nil {
		it.pinned.Release()
		it.pinned = nil
	}
}

// skipForward moves to the first entry of the following blocks while the
// current block is exhausted
func (it *Iterator) skipForward() bool {
	for it.err == nil && (it.data == nil || !it.data.Valid()) {
		if !it.index.Next() || !it.loadBlock() {
			it.unpin()
			return false
		}
		it.data.SeekToFirst()
	}
	return it.Valid()
}

// skipBackward moves to the last entry of the preceding blocks while the
// current block is exhausted
func (it *Iterator) skipBackward() bool {
	for it.err == nil && (it.data == nil || !it.data.Valid()) {
		if !it.index.Prev() || !it.loadBlock() {
			it.unpin()
			return false
		}
		it.data.SeekToLast()
	}
	return it.Valid()
}

// SeekToFirst positions the iterator at the first key
func (it *Iterator) SeekToFirst() {
	it.err = nil
	it.index.SeekToFirst()
	if !it.loadBlock() {
		return
	}
	it.data.SeekToFirst()
	it.skipForward()
}

// SeekToLast positions the iterator at the last key
func (it *Iterator) SeekToLast() {
	it.err = nil
	it.index.SeekToLast()
	if !it.loadBlock() {
		return
	}
	it.data.SeekToLast()
	it.skipBackward()
}

// Seek positions the iterator at the first key >= target
func (it *Iterator) Seek(target []byte) bool {
	it.err = nil
	if !it.index.SeekForPrev(target) {
		it.index.SeekToFirst()
	}
	if !it.loadBlock() {
		return false
	}
	it.data.Seek(target)
	return it.skipForward()
}

// SeekForPrev positions the iterator at the last key <= target
func (it *Iterator) SeekForPrev(target []byte) bool {
	it.err = nil
	if !it.index.SeekForPrev(target) {
		it.unpin()
		return false
	}
	if !it.loadBlock() {
		return false
	}
	it.data.SeekForPrev(target)
	return it.skipBackward()
}

// Next advances the iterator to the next key
func (it *Iterator) Next() bool {
	if !it.Valid() {
		return false
	}
	it.data.Next()
	return it.skipForward()
}

// Prev moves the iterator to the previous key
func (it *Iterator) Prev() bool {
	if !it.Valid() {
		return false
	}
	it.data.Prev()
	return it.skipBackward()
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.data.Key()
}

// Value returns the current value, nil for tombstones
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.data.Value()
}

// SeqNum returns the sequence number of the current entry
func (it *Iterator) SeqNum() uint64 {
	if !it.Valid() {
		return 0
	}
	return it.data.SeqNum()
}

// Valid returns true if the iterator is positioned at a valid entry
func (it *Iterator) Valid() bool {
	return it.err == nil && it.data != nil && it.data.Valid()
}

// IsTombstone returns true if the current entry is a deletion marker
func (it *Iterator) IsTombstone() bool {
	return it.Valid() && it.data.IsTombstone()
}

// Err returns the first block load or corruption error
func (it *Iterator) Err() error {
	return it.err
}

// Close unpins the current block
func (it *Iterator) Close() error {
	it.unpin()
	return nil
}

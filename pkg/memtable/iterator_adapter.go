package memtable

import (
	"bytes"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

// IteratorAdapter exposes the newest visible version of each key in a skip
// list through the common Iterator interface. Versions written after the
// snapshot sequence number are invisible.
type IteratorAdapter struct {
	iter     *Iterator
	snapshot uint64
}

var _ iterator.Iterator = (*IteratorAdapter)(nil)

// NewIteratorAdapter creates a new adapter for a skip list iterator
func NewIteratorAdapter(iter *Iterator, snapshot uint64) *IteratorAdapter {
	return &IteratorAdapter{iter: iter, snapshot: snapshot}
}

// settleForward skips versions newer than the snapshot. The raw iterator must
// sit on the first candidate version of some key.
func (a *IteratorAdapter) settleForward() bool {
	for a.iter.Valid() && a.iter.SeqNum() > a.snapshot {
		a.iter.Next()
	}
	return a.iter.Valid()
}

// settleBackward moves from an arbitrary version of a key to the newest
// visible version, continuing towards smaller keys while a key has none.
func (a *IteratorAdapter) settleBackward() bool {
	for a.iter.Valid() {
		key := a.iter.Key()
		a.iter.Seek(key, a.snapshot)
		if a.iter.Valid() && bytes.Equal(a.iter.Key(), key) {
			return true
		}
		a.iter.SeekLT(key, kv.MaxSeqNum)
	}
	return false
}

// SeekToFirst positions the iterator at the first key
func (a *IteratorAdapter) SeekToFirst() {
	a.iter.SeekToFirst()
	a.settleForward()
}

// SeekToLast positions the iterator at the last key
func (a *IteratorAdapter) SeekToLast() {
	a.iter.SeekToLast()
	a.settleBackward()
}

// Seek positions the iterator at the first key >= target
func (a *IteratorAdapter) Seek(target []byte) bool {
	a.iter.Seek(target, a.snapshot)
	return a.settleForward()
}

// SeekForPrev positions the iterator at the last key <= target
func (a *IteratorAdapter) SeekForPrev(target []byte) bool {
	a.iter.Seek(target, a.snapshot)
	if a.iter.Valid() && bytes.Equal(a.iter.Key(), target) {
		return true
	}
	a.iter.SeekLT(target, kv.MaxSeqNum)
	return a.settleBackward()
}

// Next advances the iterator to the next key
func (a *IteratorAdapter) Next() bool {
	if !a.iter.Valid() {
		return false
	}
	key := a.iter.Key()
	for a.iter.Next(); a.iter.Valid() && bytes.Equal(a.iter.Key(), key); a.iter.Next() {
	}
	return a.settleForward()
}

// Prev moves the iterator to the previous key
func (a *IteratorAdapter) Prev() bool {
	if !a.iter.Valid() {
		return false
	}
	a.iter.SeekLT(a.iter.Key(), kv.MaxSeqNum)
	return a.settleBackward()
}

// Key returns the current key
func (a *IteratorAdapter) Key() []byte {
	return a.iter.Key()
}

// Value returns the current value, nil for tombstones
func (a *IteratorAdapter) Value() []byte {
	if a.iter.IsTombstone() {
		return nil
	}
	return a.iter.Value()
}

// SeqNum returns the sequence number of the current entry
func (a *IteratorAdapter) SeqNum() uint64 {
	return a.iter.SeqNum()
}

// Valid returns true if the iterator is positioned at a valid entry
func (a *IteratorAdapter) Valid() bool {
	return a.iter.Valid()
}

// IsTombstone returns true if the current entry is a deletion marker
func (a *IteratorAdapter) IsTombstone() bool {
	return a.iter.IsTombstone()
}

// Err always returns nil; memtable iteration cannot fail
func (a *IteratorAdapter) Err() error {
	return nil
}

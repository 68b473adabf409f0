// Package filtered provides iterators that hide entries failing a predicate
package filtered

import (
	"github.com/KevoDB/lsmtree/pkg/common/iterator"
)

// FilterFunc decides whether the entry under the cursor is visible
type FilterFunc func(it iterator.Iterator) bool

// FilteredIterator wraps an iterator and skips entries rejected by a filter,
// in either direction.
type FilteredIterator struct {
	iter   iterator.Iterator
	filter FilterFunc
}

// NewFilteredIterator creates a new iterator with a filter
func NewFilteredIterator(iter iterator.Iterator, filter FilterFunc) *FilteredIterator {
	return &FilteredIterator{
		iter:   iter,
		filter: filter,
	}
}

// NewLiveIterator hides tombstones, leaving only keys with a live value
func NewLiveIterator(iter iterator.Iterator) *FilteredIterator {
	return NewFilteredIterator(iter, func(it iterator.Iterator) bool {
		return !it.IsTombstone()
	})
}

func (fi *FilteredIterator) skipForward() bool {
	for fi.iter.Valid() && !fi.filter(fi.iter) {
		fi.iter.Next()
	}
	return fi.iter.Valid()
}

func (fi *FilteredIterator) skipBackward() bool {
	for fi.iter.Valid() && !fi.filter(fi.iter) {
		fi.iter.Prev()
	}
	return fi.iter.Valid()
}

// SeekToFirst positions at the first visible entry
func (fi *FilteredIterator) SeekToFirst() {
	fi.iter.SeekToFirst()
	fi.skipForward()
}

// SeekToLast positions at the last visible entry
func (fi *FilteredIterator) SeekToLast() {
	fi.iter.SeekToLast()
	fi.skipBackward()
}

// Seek positions at the first visible entry with key >= target
func (fi *FilteredIterator) Seek(target []byte) bool {
	fi.iter.Seek(target)
	return fi.skipForward()
}

// SeekForPrev positions at the last visible entry with key <= target
func (fi *FilteredIterator) SeekForPrev(target []byte) bool {
	fi.iter.SeekForPrev(target)
	return fi.skipBackward()
}

// Next advances to the next visible entry
func (fi *FilteredIterator) Next() bool {
	if !fi.iter.Valid() {
		return false
	}
	fi.iter.Next()
	return fi.skipForward()
}

// Prev moves to the previous visible entry
func (fi *FilteredIterator) Prev() bool {
	if !fi.iter.Valid() {
		return false
	}
	fi.iter.Prev()
	return fi.skipBackward()
}

// Key returns the current key
func (fi *FilteredIterator) Key() []byte {
	return fi.iter.Key()
}

// Value returns the current value
func (fi *FilteredIterator) Value() []byte {
	return fi.iter.Value()
}

// SeqNum returns the sequence number of the current entry
func (fi *FilteredIterator) SeqNum() uint64 {
	return fi.iter.SeqNum()
}

// Valid returns true if the iterator is at a valid position
func (fi *FilteredIterator) Valid() bool {
	return fi.iter.Valid()
}

// IsTombstone returns true if the current entry is a deletion marker
func (fi *FilteredIterator) IsTombstone() bool {
	return fi.iter.IsTombstone()
}

// Err returns any error from the wrapped iterator
func (fi *FilteredIterator) Err() error {
	return fi.iter.Err()
}

// Close closes the wrapped iterator
func (fi *FilteredIterator) Close() error {
	return iterator.Close(fi.iter)
}

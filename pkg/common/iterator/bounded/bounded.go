package bounded

import (
	"bytes"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
)

// Bound is one end of a key range
type Bound struct {
	Key       []byte
	Inclusive bool
}

// Included returns a bound that admits key itself
func Included(key []byte) *Bound {
	return &Bound{Key: append([]byte(nil), key...), Inclusive: true}
}

// Excluded returns a bound that stops short of key
func Excluded(key []byte) *Bound {
	return &Bound{Key: append([]byte(nil), key...)}
}

func copyBound(b *Bound) *Bound {
	if b == nil {
		return nil
	}
	return &Bound{Key: append([]byte(nil), b.Key...), Inclusive: b.Inclusive}
}

// BoundedIterator wraps an iterator and limits it to a key range.
// A nil bound leaves that side open.
type BoundedIterator struct {
	iterator.Iterator
	lower *Bound
	upper *Bound
}

// NewBoundedIterator creates a new bounded iterator
func NewBoundedIterator(iter iterator.Iterator, lower, upper *Bound) *BoundedIterator {
	return &BoundedIterator{
		Iterator: iter,
		lower:    copyBound(lower),
		upper:    copyBound(upper),
	}
}

// SetBounds replaces the bounds; the iterator must be repositioned afterwards
func (b *BoundedIterator) SetBounds(lower, upper *Bound) {
	b.lower = copyBound(lower)
	b.upper = copyBound(upper)
}

// Empty reports whether the bounds admit no key at all
func (b *BoundedIterator) Empty() bool {
	if b.lower == nil || b.upper == nil {
		return false
	}
	c := bytes.Compare(b.lower.Key, b.upper.Key)
	return c > 0 || (c == 0 && !(b.lower.Inclusive && b.upper.Inclusive))
}

func (b *BoundedIterator) aboveLower(key []byte) bool {
	if b.lower == nil {
		return true
	}
	c := bytes.Compare(key, b.lower.Key)
	return c > 0 || (c == 0 && b.lower.Inclusive)
}

func (b *BoundedIterator) belowUpper(key []byte) bool {
	if b.upper == nil {
		return true
	}
	c := bytes.Compare(key, b.upper.Key)
	return c < 0 || (c == 0 && b.upper.Inclusive)
}

// SeekToFirst positions at the first key in the bounded range
func (b *BoundedIterator) SeekToFirst() {
	if b.lower == nil {
		b.Iterator.SeekToFirst()
		return
	}
	b.Seek(b.lower.Key)
}

// SeekToLast positions at the last key in the bounded range
func (b *BoundedIterator) SeekToLast() {
	if b.upper == nil {
		b.Iterator.SeekToLast()
		return
	}
	b.SeekForPrev(b.upper.Key)
}

// Seek positions at the first key >= target within bounds
func (b *BoundedIterator) Seek(target []byte) bool {
	if b.lower != nil && bytes.Compare(target, b.lower.Key) < 0 {
		target = b.lower.Key
	}
	if b.Iterator.Seek(target) && !b.aboveLower(b.Iterator.Key()) {
		b.Iterator.Next()
	}
	return b.Valid()
}

// SeekForPrev positions at the last key <= target within bounds
func (b *BoundedIterator) SeekForPrev(target []byte) bool {
	if b.upper != nil && bytes.Compare(target, b.upper.Key) > 0 {
		target = b.upper.Key
	}
	if b.Iterator.SeekForPrev(target) && !b.belowUpper(b.Iterator.Key()) {
		b.Iterator.Prev()
	}
	return b.Valid()
}

// Next advances to the next key within bounds
func (b *BoundedIterator) Next() bool {
	if !b.Valid() {
		return false
	}
	b.Iterator.Next()
	return b.Valid()
}

// Prev moves to the previous key within bounds
func (b *BoundedIterator) Prev() bool {
	if !b.Valid() {
		return false
	}
	b.Iterator.Prev()
	return b.Valid()
}

// Valid returns true if the iterator is positioned at a valid entry within bounds
func (b *BoundedIterator) Valid() bool {
	if !b.Iterator.Valid() {
		return false
	}
	key := b.Iterator.Key()
	return b.aboveLower(key) && b.belowUpper(key)
}

// Key returns the current key if within bounds
func (b *BoundedIterator) Key() []byte {
	if !b.Valid() {
		return nil
	}
	return b.Iterator.Key()
}

// Value returns the current value if within bounds
func (b *BoundedIterator) Value() []byte {
	if !b.Valid() {
		return nil
	}
	return b.Iterator.Value()
}

// IsTombstone returns true if the current entry is a deletion marker
func (b *BoundedIterator) IsTombstone() bool {
	return b.Valid() && b.Iterator.IsTombstone()
}

// Close closes the wrapped iterator
func (b *BoundedIterator) Close() error {
	return iterator.Close(b.Iterator)
}

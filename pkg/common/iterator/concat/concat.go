// Package concat walks a run of non-overlapping sorted files as one cursor,
// opening each file only when the traversal reaches it.
package concat

import (
	"bytes"
	"sort"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
)

// File describes one member of the run
type File struct {
	Smallest []byte
	Largest  []byte
	Open     func() iterator.Iterator
}

// ConcatIterator iterates files sorted by key with disjoint key ranges
type ConcatIterator struct {
	files []File
	idx   int
	cur   iterator.Iterator
	err   error
}

var _ iterator.Iterator = (*ConcatIterator)(nil)

// NewConcatIterator creates an iterator over files, which must be sorted and
// non-overlapping.
func NewConcatIterator(files []File) *ConcatIterator {
	return &ConcatIterator{files: files, idx: -1}
}

func (c *ConcatIterator) open(idx int) bool {
	if c.idx == idx && c.cur != nil {
		return true
	}
	c.release()
	if idx < 0 || idx >= len(c.files) {
		c.idx = -1
		return false
	}
	c.idx = idx
	c.cur = c.files[idx].Open()
	return true
}

func (c *ConcatIterator) release() {
	if c.cur != nil {
		if err := iterator.Close(c.cur); err != nil && c.err == nil {
			c.err = err
		}
		c.cur = nil
	}
}

// forward moves across file boundaries until a valid entry or the end
func (c *ConcatIterator) forward() bool {
	for c.cur != nil && !c.cur.Valid() {
		if err := c.cur.Err(); err != nil {
			c.err = err
			return false
		}
		if !c.open(c.idx + 1) {
			return false
		}
		c.cur.SeekToFirst()
	}
	return c.Valid()
}

func (c *ConcatIterator) backward() bool {
	for c.cur != nil && !c.cur.Valid() {
		if err := c.cur.Err(); err != nil {
			c.err = err
			return false
		}
		if !c.open(c.idx - 1) {
			return false
		}
		c.cur.SeekToLast()
	}
	return c.Valid()
}

// SeekToFirst positions the iterator at the first key
func (c *ConcatIterator) SeekToFirst() {
	c.err = nil
	if c.open(0) {
		c.cur.SeekToFirst()
		c.forward()
	}
}

// SeekToLast positions the iterator at the last key
func (c *ConcatIterator) SeekToLast() {
	c.err = nil
	if c.open(len(c.files) - 1) {
		c.cur.SeekToLast()
		c.backward()
	}
}

// Seek positions the iterator at the first key >= target
func (c *ConcatIterator) Seek(target []byte) bool {
	c.err = nil
	idx := sort.Search(len(c.files), func(i int) bool {
		return bytes.Compare(c.files[i].Largest, target) >= 0
	})
	if !c.open(idx) {
		return false
	}
	c.cur.Seek(target)
	return c.forward()
}

// SeekForPrev positions the iterator at the last key <= target
func (c *ConcatIterator) SeekForPrev(target []byte) bool {
	c.err = nil
	idx := sort.Search(len(c.files), func(i int) bool {
		return bytes.Compare(c.files[i].Smallest, target) > 0
	}) - 1
	if !c.open(idx) {
		return false
	}
	c.cur.SeekForPrev(target)
	return c.backward()
}

// Next advances the iterator to the next key
func (c *ConcatIterator) Next() bool {
	if !c.Valid() {
		return false
	}
	c.cur.Next()
	return c.forward()
}

// Prev moves the iterator to the previous key
func (c *ConcatIterator) Prev() bool {
	if !c.Valid() {
		return false
	}
	c.cur.Prev()
	return c.backward()
}

// Key returns the current key
func (c *ConcatIterator) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.cur.Key()
}

// Value returns the current value
func (c *ConcatIterator) Value() []byte {
	if !c.Valid() {
		return nil
	}
	return c.cur.Value()
}

// SeqNum returns the sequence number of the current entry
func (c *ConcatIterator) SeqNum() uint64 {
	if !c.Valid() {
		return 0
	}
	return c.cur.SeqNum()
}

// Valid returns true if the iterator is positioned at a valid entry
func (c *ConcatIterator) Valid() bool {
	return c.err == nil && c.cur != nil && c.cur.Valid()
}

// IsTombstone returns true if the current entry is a deletion marker
func (c *ConcatIterator) IsTombstone() bool {
	return c.Valid() && c.cur.IsTombstone()
}

// Err returns the first error encountered
func (c *ConcatIterator) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.cur != nil {
		return c.cur.Err()
	}
	return nil
}

// Close releases the currently open file
func (c *ConcatIterator) Close() error {
	c.release()
	c.idx = -1
	return c.err
}

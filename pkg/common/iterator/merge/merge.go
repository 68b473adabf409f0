// Package merge combines several sorted sources into one ordered view
// holding the newest version of every key.
package merge

import (
	"bytes"
	"container/heap"
	"errors"

	"github.com/KevoDB/lsmtree/pkg/common/iterator"
)

type direction int

const (
	dirNone direction = iota
	dirForward
	dirReverse
)

// source is a positioned cursor in the heap. Lower rank means a newer source
// and wins ties between equal sequence numbers.
type source struct {
	iter iterator.Iterator
	rank int
}

type sourceHeap struct {
	items   []*source
	reverse bool
}

func (h *sourceHeap) Len() int { return len(h.items) }

func (h *sourceHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	c := bytes.Compare(a.iter.Key(), b.iter.Key())
	if c != 0 {
		if h.reverse {
			return c > 0
		}
		return c < 0
	}
	if sa, sb := a.iter.SeqNum(), b.iter.SeqNum(); sa != sb {
		return sa > sb
	}
	return a.rank < b.rank
}

func (h *sourceHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *sourceHeap) Push(x any) { h.items = append(h.items, x.(*source)) }

func (h *sourceHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// MergeIterator merges sources ordered newest first. Each source must yield at
// most one entry per key. Among sources holding the same key, only the entry
// with the highest sequence number is surfaced. Tombstones are surfaced too.
type MergeIterator struct {
	sources []*source
	heap    sourceHeap
	dir     direction
	keyBuf  []byte
	err     error
}

var _ iterator.Iterator = (*MergeIterator)(nil)

// NewMergeIterator creates a merge iterator over sources, newest first
func NewMergeIterator(sources []iterator.Iterator) *MergeIterator {
	m := &MergeIterator{sources: make([]*source, len(sources))}
	for i, it := range sources {
		m.sources[i] = &source{iter: it, rank: i}
	}
	return m
}

// rebuild fills the heap from every valid source for the given direction
func (m *MergeIterator) rebuild(dir direction) {
	m.dir = dir
	m.err = nil
	m.heap.reverse = dir == dirReverse
	m.heap.items = m.heap.items[:0]
	for _, s := range m.sources {
		if s.iter.Valid() {
			m.heap.items = append(m.heap.items, s)
		} else if err := s.iter.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.heap)
}

func (m *MergeIterator) top() *source {
	if m.err != nil || len(m.heap.items) == 0 {
		return nil
	}
	return m.heap.items[0]
}

// SeekToFirst positions the iterator at the first key
func (m *MergeIterator) SeekToFirst() {
	for _, s := range m.sources {
		s.iter.SeekToFirst()
	}
	m.rebuild(dirForward)
}

// SeekToLast positions the iterator at the last key
func (m *MergeIterator) SeekToLast() {
	for _, s := range m.sources {
		s.iter.SeekToLast()
	}
	m.rebuild(dirReverse)
}

// Seek positions the iterator at the first key >= target
func (m *MergeIterator) Seek(target []byte) bool {
	for _, s := range m.sources {
		s.iter.Seek(target)
	}
	m.rebuild(dirForward)
	return m.Valid()
}

// SeekForPrev positions the iterator at the last key <= target
func (m *MergeIterator) SeekForPrev(target []byte) bool {
	for _, s := range m.sources {
		s.iter.SeekForPrev(target)
	}
	m.rebuild(dirReverse)
	return m.Valid()
}

// Next advances past every version of the current key
func (m *MergeIterator) Next() bool {
	return m.step(dirForward)
}

// Prev moves back past every version of the current key
func (m *MergeIterator) Prev() bool {
	return m.step(dirReverse)
}

func (m *MergeIterator) step(dir direction) bool {
	if m.top() == nil {
		return false
	}
	if m.dir != dir {
		m.err = iterator.ErrDirectionChange
		return false
	}

	m.keyBuf = append(m.keyBuf[:0], m.heap.items[0].iter.Key()...)
	for len(m.heap.items) > 0 {
		s := m.heap.items[0]
		if !bytes.Equal(s.iter.Key(), m.keyBuf) {
			break
		}
		var ok bool
		if dir == dirForward {
			ok = s.iter.Next()
		} else {
			ok = s.iter.Prev()
		}
		if ok {
			heap.Fix(&m.heap, 0)
			continue
		}
		heap.Pop(&m.heap)
		if err := s.iter.Err(); err != nil {
			m.err = err
			return false
		}
	}
	return m.Valid()
}

// Key returns the current key
func (m *MergeIterator) Key() []byte {
	if s := m.top(); s != nil {
		return s.iter.Key()
	}
	return nil
}

// Value returns the current value
func (m *MergeIterator) Value() []byte {
	if s := m.top(); s != nil {
		return s.iter.Value()
	}
	return nil
}

// SeqNum returns the sequence number of the current entry
func (m *MergeIterator) SeqNum() uint64 {
	if s := m.top(); s != nil {
		return s.iter.SeqNum()
	}
	return 0
}

// Valid returns true if the iterator is positioned at a valid entry
func (m *MergeIterator) Valid() bool {
	return m.top() != nil
}

// IsTombstone returns true if the current entry is a deletion marker
func (m *MergeIterator) IsTombstone() bool {
	if s := m.top(); s != nil {
		return s.iter.IsTombstone()
	}
	return false
}

// Err returns the first error hit by the iterator or any source
func (m *MergeIterator) Err() error {
	return m.err
}

// NumSources returns the number of source iterators
func (m *MergeIterator) NumSources() int {
	return len(m.sources)
}

// Close closes every source that holds resources
func (m *MergeIterator) Close() error {
	var errs []error
	for _, s := range m.sources {
		if err := iterator.Close(s.iter); err != nil {
			errs = append(errs, err)
		}
	}
	m.heap.items = nil
	return errors.Join(errs...)
}

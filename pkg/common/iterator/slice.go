package iterator

import (
	"bytes"
	"sort"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

// SliceIterator iterates over entries held in memory, sorted by strictly
// increasing key.
type SliceIterator struct {
	entries []kv.Entry
	pos     int
}

// NewSliceIterator returns an iterator over entries. The slice is not copied
// and must not be modified while the iterator is in use.
func NewSliceIterator(entries []kv.Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

func (s *SliceIterator) SeekToFirst() {
	if len(s.entries) == 0 {
		s.pos = -1
		return
	}
	s.pos = 0
}

func (s *SliceIterator) SeekToLast() {
	s.pos = len(s.entries) - 1
}

func (s *SliceIterator) Seek(target []byte) bool {
	s.pos = sort.Search(len(s.entries), func(i int) bool {
		return bytes.Compare(s.entries[i].Key, target) >= 0
	})
	if s.pos >= len(s.entries) {
		s.pos = -1
	}
	return s.Valid()
}

func (s *SliceIterator) SeekForPrev(target []byte) bool {
	s.pos = sort.Search(len(s.entries), func(i int) bool {
		return bytes.Compare(s.entries[i].Key, target) > 0
	}) - 1
	return s.Valid()
}

func (s *SliceIterator) Next() bool {
	if !s.Valid() {
		return false
	}
	s.pos++
	if s.pos >= len(s.entries) {
		s.pos = -1
	}
	return s.Valid()
}

func (s *SliceIterator) Prev() bool {
	if !s.Valid() {
		return false
	}
	s.pos--
	return s.Valid()
}

func (s *SliceIterator) Key() []byte {
	if !s.Valid() {
		return nil
	}
	return s.entries[s.pos].Key
}

func (s *SliceIterator) Value() []byte {
	if !s.Valid() || s.entries[s.pos].IsTombstone() {
		return nil
	}
	return s.entries[s.pos].Value
}

func (s *SliceIterator) SeqNum() uint64 {
	if !s.Valid() {
		return 0
	}
	return s.entries[s.pos].SeqNum
}

func (s *SliceIterator) Valid() bool {
	return s.pos >= 0 && s.pos < len(s.entries)
}

func (s *SliceIterator) IsTombstone() bool {
	return s.Valid() && s.entries[s.pos].IsTombstone()
}

func (s *SliceIterator) Err() error {
	return nil
}

// Entry returns the current entry
func (s *SliceIterator) Entry() *kv.Entry {
	if !s.Valid() {
		return nil
	}
	return &s.entries[s.pos]
}

// Close releases any resources held by it when it implements io.Closer
func Close(it Iterator) error {
	if c, ok := it.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

package memtable

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

const (
	// MaxHeight is the maximum height of the skip list
	MaxHeight = 12

	// BranchingFactor determines the probability of increasing the height
	BranchingFactor = 4
)

// node represents a node in the skip list. The entry is immutable once the
// node is linked, so readers never need a lock.
type node struct {
	entry  kv.Entry
	height int32
	next   [MaxHeight]unsafe.Pointer
}

func newNode(e kv.Entry, height int) *node {
	return &node{
		entry:  e,
		height: int32(height),
	}
}

// getNext returns the next node at the given level
func (n *node) getNext(level int) *node {
	return (*node)(atomic.LoadPointer(&n.next[level]))
}

// setNext sets the next node at the given level
func (n *node) setNext(level int, next *node) {
	atomic.StorePointer(&n.next[level], unsafe.Pointer(next))
}

// compare orders the node against (key, seq)
func (n *node) compare(key []byte, seq uint64) int {
	return kv.Compare(n.entry.Key, n.entry.SeqNum, key, seq)
}

// SkipList is a concurrent skip list ordered by key ascending and sequence
// number descending. Reads are lock-free; writers must be serialized by the
// caller.
type SkipList struct {
	head      *node
	maxHeight int32
	rnd       *rand.Rand
	rndMtx    sync.Mutex
	size      int64
	count     int64
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	return &SkipList{
		head:      newNode(kv.Entry{}, MaxHeight),
		maxHeight: 1,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SkipList) randomHeight() int {
	s.rndMtx.Lock()
	defer s.rndMtx.Unlock()

	height := 1
	for height < MaxHeight && s.rnd.Intn(BranchingFactor) == 0 {
		height++
	}
	return height
}

func (s *SkipList) getCurrentHeight() int {
	return int(atomic.LoadInt32(&s.maxHeight))
}

// Insert adds a new entry to the skip list
func (s *SkipList) Insert(e kv.Entry) {
	height := s.randomHeight()
	prev := [MaxHeight]*node{}
	n := newNode(e, height)

	currHeight := s.getCurrentHeight()
	if height > currHeight {
		if atomic.CompareAndSwapInt32(&s.maxHeight, int32(currHeight), int32(height)) {
			currHeight = height
		}
	}

	current := s.head
	for level := currHeight - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			if next.compare(e.Key, e.SeqNum) >= 0 {
				break
			}
			current = next
		}
		prev[level] = current
	}

	// Link bottom-up so a reader that sees the node at level i can always
	// reach it at level 0.
	for level := 0; level < height; level++ {
		n.setNext(level, prev[level].getNext(level))
		prev[level].setNext(level, n)
	}

	atomic.AddInt64(&s.size, int64(e.Size()))
	atomic.AddInt64(&s.count, 1)
}

// findGE returns the first node ordered at or after (key, seq)
func (s *SkipList) findGE(key []byte, seq uint64) *node {
	current := s.head
	for level := s.getCurrentHeight() - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			if next.compare(key, seq) >= 0 {
				break
			}
			current = next
		}
	}
	return current.getNext(0)
}

// findLT returns the last node ordered strictly before (key, seq), or nil
func (s *SkipList) findLT(key []byte, seq uint64) *node {
	current := s.head
	for level := s.getCurrentHeight() - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			if next.compare(key, seq) >= 0 {
				break
			}
			current = next
		}
	}
	if current == s.head {
		return nil
	}
	return current
}

// findLast returns the last node in the list, or nil when empty
func (s *SkipList) findLast() *node {
	current := s.head
	for level := s.getCurrentHeight() - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			current = next
		}
	}
	if current == s.head {
		return nil
	}
	return current
}

// Find returns the newest entry for key, or nil if the key is absent
func (s *SkipList) Find(key []byte) *kv.Entry {
	return s.FindAt(key, kv.MaxSeqNum)
}

// FindAt returns the newest entry for key whose sequence number does not
// exceed seq.
func (s *SkipList) FindAt(key []byte, seq uint64) *kv.Entry {
	n := s.findGE(key, seq)
	if n == nil || n.compare(key, 0) > 0 {
		return nil
	}
	return &n.entry
}

// ApproximateSize returns the approximate size of the skip list in bytes
func (s *SkipList) ApproximateSize() int64 {
	return atomic.LoadInt64(&s.size)
}

// Count returns the number of entries (all versions) in the list
func (s *SkipList) Count() int64 {
	return atomic.LoadInt64(&s.count)
}

// Iterator walks every version held by the skip list in internal order
type Iterator struct {
	list    *SkipList
	current *node
}

// NewIterator creates a new Iterator for the skip list
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s}
}

// Valid returns true if the iterator is positioned at a valid entry
func (it *Iterator) Valid() bool {
	return it.current != nil
}

// Next advances the iterator to the next entry
func (it *Iterator) Next() {
	if it.current != nil {
		it.current = it.current.getNext(0)
	}
}

// SeekToFirst positions the iterator at the first entry
func (it *Iterator) SeekToFirst() {
	it.current = it.list.head.getNext(0)
}

// SeekToLast positions the iterator at the last entry
func (it *Iterator) SeekToLast() {
	it.current = it.list.findLast()
}

// Seek positions the iterator at the first entry at or after (key, seq)
func (it *Iterator) Seek(key []byte, seq uint64) {
	it.current = it.list.findGE(key, seq)
}

// SeekLT positions the iterator at the last entry strictly before (key, seq)
func (it *Iterator) SeekLT(key []byte, seq uint64) {
	it.current = it.list.findLT(key, seq)
}

// Key returns the key of the current entry
func (it *Iterator) Key() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.entry.Key
}

// Value returns the value of the current entry
func (it *Iterator) Value() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.entry.Value
}

// SeqNum returns the sequence number of the current entry
func (it *Iterator) SeqNum() uint64 {
	if it.current == nil {
		return 0
	}
	return it.current.entry.SeqNum
}

// Kind returns the kind of the current entry
func (it *Iterator) Kind() kv.Kind {
	if it.current == nil {
		return 0
	}
	return it.current.entry.Kind
}

// IsTombstone returns true if the current entry is a deletion marker
func (it *Iterator) IsTombstone() bool {
	return it.current != nil && it.current.entry.Kind == kv.KindDeletion
}

// Entry returns the current entry
func (it *Iterator) Entry() *kv.Entry {
	if it.current == nil {
		return nil
	}
	return &it.current.entry
}

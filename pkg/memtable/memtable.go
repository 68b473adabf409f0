package memtable

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

var (
	// ErrImmutable is returned when writing to a frozen memtable
	ErrImmutable = errors.New("memtable is immutable")

	// ErrCapacity is returned when the active memtable is over its hard limit
	// and no frozen slot is free to rotate into
	ErrCapacity = errors.New("memtable capacity exhausted")
)

// MemTable is an in-memory table that stores versioned key-value pairs.
// It is implemented using a skip list for efficient inserts and lookups.
type MemTable struct {
	skipList     *SkipList
	logNumber    uint64
	maxSeqNum    atomic.Uint64
	creationTime time.Time
	immutable    atomic.Bool
	mu           sync.Mutex
}

// NewMemTable creates a new memory table bound to the WAL segment logNumber
// (0 when the WAL is disabled).
func NewMemTable(logNumber uint64) *MemTable {
	return &MemTable{
		skipList:     NewSkipList(),
		logNumber:    logNumber,
		creationTime: time.Now(),
	}
}

// Put adds a key-value pair to the MemTable. The key and value are copied.
func (m *MemTable) Put(key, value []byte, seqNum uint64) error {
	v := make([]byte, len(value))
	copy(v, value)
	return m.insert(kv.Entry{
		Key:    append([]byte(nil), key...),
		Value:  v,
		SeqNum: seqNum,
		Kind:   kv.KindValue,
	})
}

// Delete records a tombstone for key
func (m *MemTable) Delete(key []byte, seqNum uint64) error {
	return m.insert(kv.Entry{
		Key:    append([]byte(nil), key...),
		SeqNum: seqNum,
		Kind:   kv.KindDeletion,
	})
}

func (m *MemTable) insert(e kv.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsImmutable() {
		return ErrImmutable
	}

	m.skipList.Insert(e)
	if e.SeqNum > m.maxSeqNum.Load() {
		m.maxSeqNum.Store(e.SeqNum)
	}
	return nil
}

// Get returns the newest entry for key. A tombstone is returned as an entry
// with Kind KindDeletion; the boolean reports whether any version exists.
func (m *MemTable) Get(key []byte) (kv.Entry, bool) {
	e := m.skipList.Find(key)
	if e == nil {
		return kv.Entry{}, false
	}
	return *e, true
}

// Contains checks if any version of the key exists in the MemTable
func (m *MemTable) Contains(key []byte) bool {
	return m.skipList.Find(key) != nil
}

// ApproximateSize returns the approximate size of the MemTable in bytes
func (m *MemTable) ApproximateSize() int64 {
	return m.skipList.ApproximateSize()
}

// Len returns the number of entries, counting every version
func (m *MemTable) Len() int64 {
	return m.skipList.Count()
}

// Empty reports whether nothing was ever written to the table
func (m *MemTable) Empty() bool {
	return m.skipList.Count() == 0
}

// SetImmutable marks the MemTable as immutable.
// After this is called, no more modifications are allowed.
func (m *MemTable) SetImmutable() {
	m.mu.Lock()
	m.immutable.Store(true)
	m.mu.Unlock()
}

// IsImmutable returns whether the MemTable is immutable
func (m *MemTable) IsImmutable() bool {
	return m.immutable.Load()
}

// LogNumber returns the WAL segment holding this table's writes
func (m *MemTable) LogNumber() uint64 {
	return m.logNumber
}

// MaxSeqNum returns the largest sequence number inserted
func (m *MemTable) MaxSeqNum() uint64 {
	return m.maxSeqNum.Load()
}

// Age returns how long ago the MemTable was created
func (m *MemTable) Age() time.Duration {
	return time.Since(m.creationTime)
}

// NewIterator returns an iterator over every key, each at its newest version
func (m *MemTable) NewIterator() *IteratorAdapter {
	return m.NewSnapshotIterator(kv.MaxSeqNum)
}

// NewSnapshotIterator returns an iterator that ignores versions with a
// sequence number above snapshot.
func (m *MemTable) NewSnapshotIterator(snapshot uint64) *IteratorAdapter {
	return NewIteratorAdapter(m.skipList.NewIterator(), snapshot)
}

// NewRawIterator returns an iterator over every stored version
func (m *MemTable) NewRawIterator() *Iterator {
	return m.skipList.NewIterator()
}

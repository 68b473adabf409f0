package memtable

import (
	"sync"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
)

// MemTablePool manages the set of in-memory tables.
// It maintains one active MemTable and an ordered list of frozen ones
// awaiting flush, oldest first.
type MemTablePool struct {
	active    *MemTable
	frozen    []*MemTable
	maxFrozen int
	mu        sync.RWMutex
}

// NewMemTablePool creates a new MemTable pool whose active table is bound to
// the WAL segment logNumber.
func NewMemTablePool(maxFrozen int, logNumber uint64) *MemTablePool {
	if maxFrozen < 1 {
		maxFrozen = 1
	}
	return &MemTablePool{
		active:    NewMemTable(logNumber),
		frozen:    make([]*MemTable, 0, maxFrozen),
		maxFrozen: maxFrozen,
	}
}

// Active returns the MemTable currently accepting writes
func (p *MemTablePool) Active() *MemTable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Frozen returns the frozen MemTables, oldest first
func (p *MemTablePool) Frozen() []*MemTable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*MemTable(nil), p.frozen...)
}

// FrozenCount returns the number of frozen MemTables
func (p *MemTablePool) FrozenCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.frozen)
}

// Full reports whether another rotation would exceed the frozen limit
func (p *MemTablePool) Full() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.frozen) >= p.maxFrozen
}

// SwitchToNewMemTable freezes the active MemTable and installs a fresh one
// bound to logNumber. It returns the frozen table, or ErrCapacity when the
// frozen list is already full.
func (p *MemTablePool) SwitchToNewMemTable(logNumber uint64) (*MemTable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frozen) >= p.maxFrozen {
		return nil, ErrCapacity
	}

	old := p.active
	old.SetImmutable()
	p.active = NewMemTable(logNumber)
	p.frozen = append(p.frozen, old)
	return old, nil
}

// Remove drops a flushed MemTable from the frozen list. It reports whether
// the table was present.
func (p *MemTablePool) Remove(m *MemTable) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, f := range p.frozen {
		if f == m {
			p.frozen = append(p.frozen[:i:i], p.frozen[i+1:]...)
			return true
		}
	}
	return false
}

// GetMemTables returns all MemTables, newest first
func (p *MemTablePool) GetMemTables() []*MemTable {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*MemTable, 0, len(p.frozen)+1)
	result = append(result, p.active)
	for i := len(p.frozen) - 1; i >= 0; i-- {
		result = append(result, p.frozen[i])
	}
	return result
}

// Get returns the newest entry for key across all MemTables
func (p *MemTablePool) Get(key []byte) (kv.Entry, bool) {
	for _, m := range p.GetMemTables() {
		if e, ok := m.Get(key); ok {
			return e, true
		}
	}
	return kv.Entry{}, false
}

// TotalSize returns the total approximate size of all memtables in the pool
func (p *MemTablePool) TotalSize() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := p.active.ApproximateSize()
	for _, m := range p.frozen {
		total += m.ApproximateSize()
	}
	return total
}

package compaction

import (
	"sort"
	"sync"
)

// FileTracker records which tables are inputs of a running compaction and
// which ones a compaction failed on
type FileTracker struct {
	mu      sync.RWMutex
	pending map[uint64]bool
	failed  map[uint64]int
}

// NewFileTracker creates a new file tracker
func NewFileTracker() *FileTracker {
	return &FileTracker{
		pending: make(map[uint64]bool),
		failed:  make(map[uint64]int),
	}
}

// MarkPending marks tables as inputs of a running compaction
func (f *FileTracker) MarkPending(numbers ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range numbers {
		f.pending[n] = true
	}
}

// UnmarkPending removes the pending mark from tables
func (f *FileTracker) UnmarkPending(numbers ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range numbers {
		delete(f.pending, n)
	}
}

// IsPending checks if a table is part of a running compaction
func (f *FileTracker) IsPending(number uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pending[number]
}

// RecordFailure counts a failed compaction involving the tables
func (f *FileTracker) RecordFailure(numbers ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range numbers {
		f.failed[n]++
	}
}

// Failures returns how many compactions involving a table failed
func (f *FileTracker) Failures(number uint64) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.failed[number]
}

// Forget drops everything known about tables that left the tree
func (f *FileTracker) Forget(numbers ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range numbers {
		delete(f.pending, n)
		delete(f.failed, n)
	}
}

// PendingTables returns the tables being compacted, in ascending order
func (f *FileTracker) PendingTables() []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]uint64, 0, len(f.pending))
	for n := range f.pending {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package sstable

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrTableNotOpen is returned when a table has no open reader
var ErrTableNotOpen = errors.New("table not open")

// TableCache keeps one open Reader per live table file in a directory. All
// readers share one block cache.
type TableCache struct {
	dir     string
	blocks  *BlockCache
	mu      sync.RWMutex
	readers map[uint64]*Reader
}

// NewTableCache creates a table cache over the tables in dir
func NewTableCache(dir string, blocks *BlockCache) *TableCache {
	if blocks == nil {
		blocks = NewBlockCache(0)
	}
	return &TableCache{
		dir:     dir,
		blocks:  blocks,
		readers: make(map[uint64]*Reader),
	}
}

// Open returns the reader for table number, opening the file if needed
func (tc *TableCache) Open(number uint64) (*Reader, error) {
	if r, ok := tc.Get(number); ok {
		return r, nil
	}

	r, err := Open(FileName(tc.dir, number), number, tc.blocks)
	if err != nil {
		return nil, fmt.Errorf("table %d: %w", number, err)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if existing, ok := tc.readers[number]; ok {
		r.Close()
		return existing, nil
	}
	tc.readers[number] = r
	return r, nil
}

// OpenAll opens every listed table, up to parallelism at a time. On failure
// the tables opened by this call stay open and the first error is returned.
func (tc *TableCache) OpenAll(numbers []uint64, parallelism int) error {
	var g errgroup.Group
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for _, n := range numbers {
		n := n
		g.Go(func() error {
			_, err := tc.Open(n)
			return err
		})
	}
	return g.Wait()
}

// Get returns the open reader for table number
func (tc *TableCache) Get(number uint64) (*Reader, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	r, ok := tc.readers[number]
	return r, ok
}

// Reader returns the open reader for table number or ErrTableNotOpen
func (tc *TableCache) Reader(number uint64) (*Reader, error) {
	if r, ok := tc.Get(number); ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrTableNotOpen, number)
}

// Evict closes the reader for table number and drops its cached blocks
func (tc *TableCache) Evict(number uint64) error {
	tc.mu.Lock()
	r, ok := tc.readers[number]
	delete(tc.readers, number)
	tc.mu.Unlock()

	if !ok {
		return nil
	}
	return r.Close()
}

// IsCorrupt reports whether table number has been flagged corrupt
func (tc *TableCache) IsCorrupt(number uint64) bool {
	r, ok := tc.Get(number)
	return ok && r.IsCorrupt()
}

// CorruptTables returns the numbers of every open table flagged corrupt
func (tc *TableCache) CorruptTables() []uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	var out []uint64
	for n, r := range tc.readers {
		if r.IsCorrupt() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of open tables
func (tc *TableCache) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.readers)
}

// Dir returns the directory holding the tables
func (tc *TableCache) Dir() string {
	return tc.dir
}

// BlockCache returns the shared block cache
func (tc *TableCache) BlockCache() *BlockCache {
	return tc.blocks
}

// Close closes every open reader
func (tc *TableCache) Close() error {
	tc.mu.Lock()
	readers := tc.readers
	tc.readers = make(map[uint64]*Reader)
	tc.mu.Unlock()

	var firstErr error
	for _, r := range readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

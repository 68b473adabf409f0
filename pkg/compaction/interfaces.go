package compaction

import (
	"github.com/KevoDB/lsmtree/pkg/manifest"
	"github.com/KevoDB/lsmtree/pkg/sstable"
)

// Strategy decides which tables to compact
type Strategy interface {
	// SelectCompaction returns the most urgent task for v, or nil when the
	// tree is within its limits
	SelectCompaction(v *manifest.Version) *Task

	// CompactRange returns a task merging everything overlapping [lo, hi]
	// into the deepest populated level, or nil when nothing overlaps.
	// A nil bound is unbounded.
	CompactRange(v *manifest.Version, lo, hi []byte) *Task
}

// Tables gives compaction access to open table readers. It is satisfied by
// *sstable.TableCache.
type Tables interface {
	// Reader returns the open reader of a live table
	Reader(number uint64) (*sstable.Reader, error)

	// Open opens a newly written table
	Open(number uint64) (*sstable.Reader, error)

	// Evict closes a table's reader
	Evict(number uint64) error

	// IsCorrupt reports whether a table failed verification
	IsCorrupt(number uint64) bool
}

var _ Tables = (*sstable.TableCache)(nil)

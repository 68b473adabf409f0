package compaction

import (
	"bytes"
	"sort"

	"github.com/KevoDB/lsmtree/pkg/manifest"
)

// TombstoneFilter decides whether a deletion marker must survive a
// compaction
type TombstoneFilter interface {
	// ShouldKeep reports whether the tombstone for key is still needed
	ShouldKeep(key []byte) bool
}

// LevelTombstoneFilter keeps a tombstone while any level below the
// compaction's output may still hold an older version of its key
type LevelTombstoneFilter struct {
	// deeper holds the non-overlapping levels below the target, each sorted
	// by smallest key
	deeper [][]*manifest.TableMeta
}

// NewLevelTombstoneFilter creates a filter for output written to target
func NewLevelTombstoneFilter(v *manifest.Version, target int) *LevelTombstoneFilter {
	f := &LevelTombstoneFilter{}
	for level := target + 1; level < v.NumLevels(); level++ {
		if files := v.Files(level); len(files) > 0 {
			f.deeper = append(f.deeper, files)
		}
	}
	return f
}

// ShouldKeep reports whether a deeper level covers key
func (f *LevelTombstoneFilter) ShouldKeep(key []byte) bool {
	for _, files := range f.deeper {
		// First table whose largest key is >= key
		i := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Largest, key) >= 0
		})
		if i < len(files) && files[i].Contains(key) {
			return true
		}
	}
	return false
}

// keepAll retains every tombstone
type keepAll struct{}

func (keepAll) ShouldKeep([]byte) bool { return true }

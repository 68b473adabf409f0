package manifest

import (
	"bytes"
	"sort"
	"sync/atomic"
)

// TableMeta describes one table file referenced by a version
type TableMeta struct {
	Number        uint64 `json:"number"`
	Level         int    `json:"level"`
	Size          uint64 `json:"size"`
	Smallest      []byte `json:"smallest"`
	Largest       []byte `json:"largest"`
	MinSeqNum     uint64 `json:"min_seq"`
	MaxSeqNum     uint64 `json:"max_seq"`
	NumEntries    uint64 `json:"entries"`
	NumTombstones uint64 `json:"tombstones"`

	// refs counts the live versions that contain this table
	refs atomic.Int32
}

// Overlaps reports whether the table's key range intersects [lo, hi].
// A nil bound is unbounded.
func (t *TableMeta) Overlaps(lo, hi []byte) bool {
	if hi != nil && bytes.Compare(t.Smallest, hi) > 0 {
		return false
	}
	if lo != nil && bytes.Compare(t.Largest, lo) < 0 {
		return false
	}
	return true
}

// Contains reports whether key falls inside the table's key range
func (t *TableMeta) Contains(key []byte) bool {
	return bytes.Compare(key, t.Smallest) >= 0 && bytes.Compare(key, t.Largest) <= 0
}

// Version is an immutable view of the tables making up the database.
// Readers Ref a version for as long as they use its tables.
type Version struct {
	levels [][]*TableMeta
	refs   atomic.Int32
	vs     *VersionSet
}

func newVersion(vs *VersionSet, numLevels int) *Version {
	return &Version{vs: vs, levels: make([][]*TableMeta, numLevels)}
}

// sortLevels orders L0 newest first and deeper levels by smallest key
func (v *Version) sortLevels() {
	for level, files := range v.levels {
		if level == 0 {
			sort.Slice(files, func(i, j int) bool { return files[i].Number > files[j].Number })
			continue
		}
		sort.Slice(files, func(i, j int) bool {
			return bytes.Compare(files[i].Smallest, files[j].Smallest) < 0
		})
	}
}

// checkOverlap returns the first level above L0 whose files overlap, or -1
func (v *Version) checkOverlap() int {
	for level := 1; level < len(v.levels); level++ {
		files := v.levels[level]
		for i := 1; i < len(files); i++ {
			if bytes.Compare(files[i-1].Largest, files[i].Smallest) >= 0 {
				return level
			}
		}
	}
	return -1
}

// Ref adds a reference to the version
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref drops a reference. When the last one goes, tables no longer held by
// any version are reported as obsolete.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	var dead []*TableMeta
	for _, files := range v.levels {
		for _, t := range files {
			if t.refs.Add(-1) == 0 {
				dead = append(dead, t)
			}
		}
	}
	if len(dead) > 0 && v.vs != nil {
		v.vs.obsolete(dead)
	}
}

// NumLevels returns the number of levels
func (v *Version) NumLevels() int {
	return len(v.levels)
}

// Files returns the tables of a level. L0 is ordered newest first, deeper
// levels by smallest key. The slice must not be modified.
func (v *Version) Files(level int) []*TableMeta {
	if level < 0 || level >= len(v.levels) {
		return nil
	}
	return v.levels[level]
}

// NumFiles returns the number of tables in a level
func (v *Version) NumFiles(level int) int {
	return len(v.Files(level))
}

// LevelSize returns the total size in bytes of a level
func (v *Version) LevelSize(level int) uint64 {
	var total uint64
	for _, t := range v.Files(level) {
		total += t.Size
	}
	return total
}

// AllFiles returns every table in the version, L0 first
func (v *Version) AllFiles() []*TableMeta {
	var all []*TableMeta
	for _, files := range v.levels {
		all = append(all, files...)
	}
	return all
}

// Overlapping returns the tables of level intersecting [lo, hi]
func (v *Version) Overlapping(level int, lo, hi []byte) []*TableMeta {
	var out []*TableMeta
	for _, t := range v.Files(level) {
		if t.Overlaps(lo, hi) {
			out = append(out, t)
		}
	}
	return out
}

// DeepestNonEmptyLevel returns the deepest level holding any table, or -1
func (v *Version) DeepestNonEmptyLevel() int {
	for level := len(v.levels) - 1; level >= 0; level-- {
		if len(v.levels[level]) > 0 {
			return level
		}
	}
	return -1
}

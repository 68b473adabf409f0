// Package compaction merges tables down the levels of the tree, keeping level
// sizes bounded and dropping versions and tombstones nothing can observe.
package compaction

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/KevoDB/lsmtree/pkg/manifest"
	"github.com/KevoDB/lsmtree/pkg/sstable"
)

// Reasons a task was selected
const (
	ReasonL0Files   = "l0_files"
	ReasonLevelSize = "level_size"
	ReasonManual    = "manual"
)

// Task is a set of tables to merge into TargetLevel
type Task struct {
	// Input tables grouped by level
	Inputs map[int][]*manifest.TableMeta

	// Level whose state triggered the task
	SourceLevel int

	// Level receiving the merged output
	TargetLevel int

	Reason string
}

func newTask(source, target int, reason string) *Task {
	return &Task{
		Inputs:      make(map[int][]*manifest.TableMeta),
		SourceLevel: source,
		TargetLevel: target,
		Reason:      reason,
	}
}

// add appends tables to a level, skipping ones already present
func (t *Task) add(level int, tables ...*manifest.TableMeta) {
	for _, tm := range tables {
		if !t.contains(tm.Number) {
			t.Inputs[level] = append(t.Inputs[level], tm)
		}
	}
}

func (t *Task) contains(number uint64) bool {
	for _, files := range t.Inputs {
		for _, tm := range files {
			if tm.Number == number {
				return true
			}
		}
	}
	return false
}

// Levels returns the levels holding inputs in ascending order
func (t *Task) Levels() []int {
	levels := make([]int, 0, len(t.Inputs))
	for level, files := range t.Inputs {
		if len(files) > 0 {
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)
	return levels
}

// Tables returns every input ordered newest first: L0 by descending file
// number, then each deeper level in turn
func (t *Task) Tables() []*manifest.TableMeta {
	var out []*manifest.TableMeta
	for _, level := range t.Levels() {
		files := append([]*manifest.TableMeta(nil), t.Inputs[level]...)
		if level == 0 {
			sort.Slice(files, func(i, j int) bool { return files[i].Number > files[j].Number })
		}
		out = append(out, files...)
	}
	return out
}

// NumInputs returns the number of input tables
func (t *Task) NumInputs() int {
	n := 0
	for _, files := range t.Inputs {
		n += len(files)
	}
	return n
}

// InputSize returns the total size of the inputs in bytes
func (t *Task) InputSize() uint64 {
	var size uint64
	for _, files := range t.Inputs {
		for _, tm := range files {
			size += tm.Size
		}
	}
	return size
}

// KeyRange returns the smallest and largest key covered by the inputs
func (t *Task) KeyRange() (smallest, largest []byte) {
	for _, files := range t.Inputs {
		smallest, largest = extendRange(smallest, largest, files)
	}
	return smallest, largest
}

// String describes the task for logging
func (t *Task) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s L%d->L%d", t.Reason, t.SourceLevel, t.TargetLevel)
	for _, level := range t.Levels() {
		fmt.Fprintf(&sb, " L%d:[", level)
		for i, tm := range t.Inputs[level] {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%d", tm.Number)
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

// extendRange widens [smallest, largest] to cover every table in files
func extendRange(smallest, largest []byte, files []*manifest.TableMeta) ([]byte, []byte) {
	for _, tm := range files {
		if smallest == nil || bytes.Compare(tm.Smallest, smallest) < 0 {
			smallest = tm.Smallest
		}
		if largest == nil || bytes.Compare(tm.Largest, largest) > 0 {
			largest = tm.Largest
		}
	}
	return smallest, largest
}

// NewTableMeta describes a finished table for the manifest
func NewTableMeta(number uint64, props *sstable.Properties) *manifest.TableMeta {
	return &manifest.TableMeta{
		Number:        number,
		Size:          props.FileSize,
		Smallest:      append([]byte(nil), props.Smallest...),
		Largest:       append([]byte(nil), props.Largest...),
		MinSeqNum:     props.MinSeqNum,
		MaxSeqNum:     props.MaxSeqNum,
		NumEntries:    props.NumEntries,
		NumTombstones: props.NumTombstones,
	}
}

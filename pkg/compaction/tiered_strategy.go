package compaction

import (
	"sort"

	"github.com/KevoDB/lsmtree/pkg/common/log"
	"github.com/KevoDB/lsmtree/pkg/config"
	"github.com/KevoDB/lsmtree/pkg/manifest"
)

// TieredCompactionStrategy compacts L0 as a tier, merging batches of its
// overlapping files into L1, and keeps every deeper level within a size
// budget that grows geometrically with depth
type TieredCompactionStrategy struct {
	*BaseStrategy
}

var _ Strategy = (*TieredCompactionStrategy)(nil)

// NewTieredCompactionStrategy creates a new tiered compaction strategy
func NewTieredCompactionStrategy(cfg *config.Config, logger log.Logger, skip func(uint64) bool) *TieredCompactionStrategy {
	return &TieredCompactionStrategy{
		BaseStrategy: NewBaseStrategy(cfg, logger, skip),
	}
}

// SelectCompaction selects files for tiered compaction
func (s *TieredCompactionStrategy) SelectCompaction(v *manifest.Version) *Task {
	// L0 first since every extra file there slows reads down
	if v.NumFiles(0) >= s.cfg.L0CompactionTrigger {
		if task := s.selectL0Compaction(v); task != nil {
			return task
		}
	}

	// Then the level furthest over its budget
	bestLevel, bestScore := -1, 1.0
	for level := 1; level < v.NumLevels()-1; level++ {
		size := v.LevelSize(level)
		if size == 0 {
			continue
		}
		score := float64(size) / float64(s.LevelLimit(level))
		if score > bestScore {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel < 0 {
		return nil
	}
	return s.selectLevelCompaction(v, bestLevel)
}

// selectL0Compaction takes the oldest L0 files and the L1 files they overlap
func (s *TieredCompactionStrategy) selectL0Compaction(v *manifest.Version) *Task {
	files := v.Files(0)

	// Files(0) is newest first, so the oldest files form its tail
	n := s.cfg.L0MaxCompactFiles
	if n > len(files) {
		n = len(files)
	}
	selected := files[len(files)-n:]

	task := newTask(0, 1, ReasonL0Files)
	task.add(0, selected...)

	// Newer L0 files overlapping the selection stay behind; they hold newer
	// versions and remain above the output
	addOverlapping(task, v, 1)

	if !s.taskUsable(task) {
		return nil
	}
	return task
}

// selectLevelCompaction moves the oldest usable file of level into the next
// level, together with the next level's files it overlaps
func (s *TieredCompactionStrategy) selectLevelCompaction(v *manifest.Version, level int) *Task {
	candidates := append([]*manifest.TableMeta(nil), v.Files(level)...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Number < candidates[j].Number })

	for _, tm := range candidates {
		task := newTask(level, level+1, ReasonLevelSize)
		task.add(level, tm)
		addOverlapping(task, v, level+1)
		if s.usable(task.Tables()) {
			return task
		}
	}
	s.logger.Warn("Level %d is over its size limit but every candidate touches an unavailable table", level)
	return nil
}

// CompactRange selects everything overlapping [lo, hi] and merges it into
// the deepest populated level, or L1 if only L0 holds data
func (s *TieredCompactionStrategy) CompactRange(v *manifest.Version, lo, hi []byte) *Task {
	deepest := v.DeepestNonEmptyLevel()
	if deepest < 0 {
		return nil
	}
	target := deepest
	if target < 1 {
		target = 1
	}

	source := -1
	task := newTask(0, target, ReasonManual)
	for level := 0; level <= target; level++ {
		overlapping := v.Overlapping(level, lo, hi)
		if len(overlapping) > 0 && source < 0 {
			source = level
		}
		task.add(level, overlapping...)
	}
	if task.NumInputs() == 0 {
		return nil
	}
	task.SourceLevel = source

	expandToFixedPoint(task, v, target)
	if !s.taskUsable(task) {
		return nil
	}
	return task
}

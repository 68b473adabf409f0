package compaction

import (
	"math"

	"github.com/KevoDB/lsmtree/pkg/common/log"
	"github.com/KevoDB/lsmtree/pkg/config"
	"github.com/KevoDB/lsmtree/pkg/manifest"
)

// BaseStrategy holds what every strategy needs: limits from the
// configuration and a way to rule out tables that must not be touched
type BaseStrategy struct {
	cfg    *config.Config
	logger log.Logger

	// skip reports tables that cannot be compacted right now
	skip func(number uint64) bool
}

// NewBaseStrategy creates a base strategy. A nil skip admits every table.
func NewBaseStrategy(cfg *config.Config, logger log.Logger, skip func(uint64) bool) *BaseStrategy {
	if logger == nil {
		logger = log.Component("compaction")
	}
	if skip == nil {
		skip = func(uint64) bool { return false }
	}
	return &BaseStrategy{cfg: cfg, logger: logger, skip: skip}
}

// LevelLimit returns the size in bytes above which level n >= 1 compacts
func (s *BaseStrategy) LevelLimit(level int) uint64 {
	if level < 1 {
		return math.MaxUint64
	}
	limit := float64(s.cfg.LevelSizeBase) * math.Pow(s.cfg.LevelSizeMultiplier, float64(level-1))
	if limit >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(limit)
}

// usable reports whether none of the tables is skipped
func (s *BaseStrategy) usable(tables []*manifest.TableMeta) bool {
	for _, tm := range tables {
		if s.skip(tm.Number) {
			return false
		}
	}
	return true
}

// taskUsable checks every input of a task, logging the first blocked table
func (s *BaseStrategy) taskUsable(task *Task) bool {
	for _, tm := range task.Tables() {
		if s.skip(tm.Number) {
			s.logger.Warn("Skipping compaction %s: table %d is unavailable", task, tm.Number)
			return false
		}
	}
	return true
}

// addOverlapping pulls into the task every table of level overlapping the
// task's current key range
func addOverlapping(task *Task, v *manifest.Version, level int) {
	lo, hi := task.KeyRange()
	if lo == nil && hi == nil {
		return
	}
	task.add(level, v.Overlapping(level, lo, hi)...)
}

// expandToFixedPoint grows the task over levels 0..target until no table
// in those levels overlaps the task's key range without being part of it.
// Every version of a key inside the range then takes part in the merge.
func expandToFixedPoint(task *Task, v *manifest.Version, target int) {
	for {
		before := task.NumInputs()
		for level := 0; level <= target; level++ {
			addOverlapping(task, v, level)
		}
		if task.NumInputs() == before {
			return
		}
	}
}

package compaction

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/lsmtree/pkg/common/log"
	"github.com/KevoDB/lsmtree/pkg/config"
	"github.com/KevoDB/lsmtree/pkg/manifest"
	"github.com/KevoDB/lsmtree/pkg/sstable"
	"github.com/KevoDB/lsmtree/pkg/stats"
)

// maxRunsPerWake bounds the tasks run back to back before the worker sleeps
const maxRunsPerWake = 32

// CoordinatorOptions holds the optional parts of a coordinator
type CoordinatorOptions struct {
	// Compaction strategy, tiered by default
	Strategy Strategy

	// Compaction executor
	Executor *Executor

	// File tracker
	FileTracker *FileTracker

	Metrics CompactionMetrics
	Stats   stats.Collector
	Logger  log.Logger
}

// Coordinator runs compactions in the background and on demand, one at a
// time, and installs their results in the manifest
type Coordinator struct {
	cfg      *config.Config
	versions *manifest.VersionSet
	tables   Tables

	strategy    Strategy
	executor    *Executor
	fileTracker *FileTracker
	metrics     CompactionMetrics
	stats       stats.Collector
	logger      log.Logger

	// Only one compaction at a time
	compactingMu sync.Mutex

	stateMu   sync.Mutex
	running   bool
	stopCh    chan struct{}
	triggerCh chan struct{}
	wg        sync.WaitGroup

	completed   atomic.Uint64
	failed      atomic.Uint64
	lastOutputs atomic.Int64
}

// NewCoordinator creates a compaction coordinator over the tables of
// versions. Missing options get defaults.
func NewCoordinator(cfg *config.Config, versions *manifest.VersionSet, tables Tables, options CoordinatorOptions) *Coordinator {
	if options.Logger == nil {
		options.Logger = log.Component("compaction")
	}
	if options.FileTracker == nil {
		options.FileTracker = NewFileTracker()
	}
	if options.Metrics == nil {
		options.Metrics = NewNoopCompactionMetrics()
	}
	if options.Stats == nil {
		options.Stats = stats.NewAtomicCollector()
	}
	if options.Executor == nil {
		options.Executor = NewExecutor(cfg, versions.Dir(), tables, versions.NewFileNumber, options.Logger)
	}
	if options.Strategy == nil {
		tracker := options.FileTracker
		options.Strategy = NewTieredCompactionStrategy(cfg, options.Logger, func(n uint64) bool {
			return tables.IsCorrupt(n) || tracker.IsPending(n)
		})
	}

	return &Coordinator{
		cfg:         cfg,
		versions:    versions,
		tables:      tables,
		strategy:    options.Strategy,
		executor:    options.Executor,
		fileTracker: options.FileTracker,
		metrics:     options.Metrics,
		stats:       options.Stats,
		logger:      options.Logger,
		triggerCh:   make(chan struct{}, 1),
	}
}

// Start begins background compaction
func (c *Coordinator) Start() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.compactionWorker(c.stopCh)
}

// Stop halts background compaction and waits for a running task to finish
func (c *Coordinator) Stop() {
	c.stateMu.Lock()
	if !c.running {
		c.stateMu.Unlock()
		return
	}
	close(c.stopCh)
	c.running = false
	c.stateMu.Unlock()

	c.wg.Wait()
}

// Trigger wakes the background worker without waiting for it
func (c *Coordinator) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// compactionWorker runs the compaction loop
func (c *Coordinator) compactionWorker(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-c.triggerCh:
		}

		for i := 0; i < maxRunsPerWake; i++ {
			select {
			case <-stop:
				return
			default:
			}

			ran, err := c.RunOnce()
			if err != nil {
				c.logger.Error("Background compaction failed: %v", err)
				break
			}
			if !ran {
				break
			}
		}
	}
}

// RunOnce selects and runs at most one compaction. It reports whether a
// task was run.
func (c *Coordinator) RunOnce() (bool, error) {
	c.compactingMu.Lock()
	defer c.compactingMu.Unlock()

	v := c.versions.Current()
	defer v.Unref()

	task := c.strategy.SelectCompaction(v)
	if task == nil {
		return false, nil
	}
	return true, c.runTask(task, v)
}

// CompactRange merges every table overlapping [minKey, maxKey] into the
// deepest populated level. Nil bounds are unbounded.
func (c *Coordinator) CompactRange(minKey, maxKey []byte) error {
	c.compactingMu.Lock()
	defer c.compactingMu.Unlock()

	v := c.versions.Current()
	defer v.Unref()

	task := c.strategy.CompactRange(v, minKey, maxKey)
	if task == nil {
		return nil
	}
	return c.runTask(task, v)
}

// runTask executes task against v and installs the result
func (c *Coordinator) runTask(task *Task, v *manifest.Version) error {
	ctx, span := c.metrics.StartCompaction(context.Background(), task)
	defer span.End()

	start := time.Now()
	inputSize := int64(task.InputSize())
	numbers := tableNumbers(task.Tables())

	c.fileTracker.MarkPending(numbers...)
	defer c.fileTracker.UnmarkPending(numbers...)

	c.metrics.RecordCompactionStart(ctx, task.SourceLevel, task.Reason, task.NumInputs(), inputSize)
	c.logger.Info("Starting compaction %s: %d bytes", task, inputSize)

	res, err := c.executor.Execute(task, NewLevelTombstoneFilter(v, task.TargetLevel))
	if err == nil {
		err = c.install(task, res)
	}
	if err != nil {
		c.failed.Add(1)
		c.fileTracker.RecordFailure(numbers...)
		c.stats.TrackError("compaction_error")
		c.metrics.RecordCompactionComplete(ctx, time.Since(start), inputSize, 0, 0, false)
		span.RecordError(err)
		return fmt.Errorf("compaction %s: %w", task, err)
	}

	elapsed := time.Since(start)
	c.completed.Add(1)
	c.lastOutputs.Store(int64(len(res.Outputs)))
	c.fileTracker.Forget(numbers...)
	c.stats.TrackOperationWithLatency(stats.OpCompact, uint64(elapsed.Nanoseconds()))
	c.stats.TrackCompaction(res.BytesRead, res.BytesWritten)
	c.metrics.RecordCompactionComplete(ctx, elapsed, inputSize, int64(res.BytesWritten), int64(res.TombstonesDropped), true)
	c.metrics.RecordLevelTransition(ctx, task.SourceLevel, task.TargetLevel, int64(res.BytesWritten))
	c.recordLevelStats(ctx, task.TargetLevel)

	c.logger.Info("Finished compaction %s in %v: %d tables, %d bytes written, %d tombstones dropped",
		task, elapsed, len(res.Outputs), res.BytesWritten, res.TombstonesDropped)
	return nil
}

// install opens the outputs and swaps them for the inputs in one manifest
// edit. The inputs' files go away once no version references them.
func (c *Coordinator) install(task *Task, res *Result) error {
	var opened []uint64
	discard := func() {
		for _, n := range opened {
			c.tables.Evict(n)
		}
		for _, out := range res.Outputs {
			os.Remove(sstable.FileName(c.versions.Dir(), out.Number))
		}
	}

	for _, out := range res.Outputs {
		if _, err := c.tables.Open(out.Number); err != nil {
			discard()
			return fmt.Errorf("failed to open compaction output: %w", err)
		}
		opened = append(opened, out.Number)
	}

	edit := &manifest.Edit{}
	for level, files := range task.Inputs {
		for _, tm := range files {
			edit.DeleteTable(level, tm.Number)
		}
	}
	for _, out := range res.Outputs {
		edit.AddTable(task.TargetLevel, out)
	}
	if err := c.versions.LogAndApply(edit); err != nil {
		discard()
		return fmt.Errorf("failed to install compaction: %w", err)
	}
	return nil
}

func (c *Coordinator) recordLevelStats(ctx context.Context, level int) {
	v := c.versions.Current()
	defer v.Unref()
	c.metrics.RecordLevelStats(ctx, level, int64(v.NumFiles(level)), int64(v.LevelSize(level)))
}

// GetCompactionStats returns statistics about the compaction state
func (c *Coordinator) GetCompactionStats() map[string]interface{} {
	return map[string]interface{}{
		"compactions_completed": c.completed.Load(),
		"compactions_failed":    c.failed.Load(),
		"pending_tables":        len(c.fileTracker.PendingTables()),
		"last_outputs_count":    c.lastOutputs.Load(),
	}
}

func tableNumbers(tables []*manifest.TableMeta) []uint64 {
	out := make([]uint64, len(tables))
	for i, tm := range tables {
		out[i] = tm.Number
	}
	return out
}

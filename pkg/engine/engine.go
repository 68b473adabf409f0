// Package engine ties the memtables, write-ahead log, tables and manifest
// together into an embeddable ordered key-value store.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
	"github.com/KevoDB/lsmtree/pkg/common/log"
	"github.com/KevoDB/lsmtree/pkg/compaction"
	"github.com/KevoDB/lsmtree/pkg/config"
	"github.com/KevoDB/lsmtree/pkg/manifest"
	"github.com/KevoDB/lsmtree/pkg/memtable"
	"github.com/KevoDB/lsmtree/pkg/sstable"
	"github.com/KevoDB/lsmtree/pkg/stats"
	"github.com/KevoDB/lsmtree/pkg/telemetry"
	"github.com/KevoDB/lsmtree/pkg/wal"
)

// Engine is an ordered key-value store over a single data directory. It is
// safe for concurrent use; Clone hands out additional references and the
// engine shuts down when every reference has been closed.
type Engine struct {
	cfg     *config.Config
	dir     string
	logger  log.Logger
	stats   stats.Collector
	tel     telemetry.Telemetry
	metrics EngineMetrics
	lock    *dirLock

	versions   *manifest.VersionSet
	tables     *sstable.TableCache
	pool       *memtable.MemTablePool
	compaction *compaction.Coordinator

	// writeMu serializes writers and memtable rotation
	writeMu sync.Mutex
	wal     *wal.WAL
	lastSeq atomic.Uint64

	// flushMu guards waiters and the removal of flushed memtables
	flushMu  sync.Mutex
	waiters  []*FlushHandle
	flushCh  chan struct{}
	flushing sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup

	refs   atomic.Int64
	closed atomic.Bool

	// closeMu orders readers pinning a version against shutdown
	closeMu sync.RWMutex

	// block cache counters already reported to telemetry
	reportedHits   atomic.Int64
	reportedMisses atomic.Int64
}

// Open opens the database in cfg.Dir, creating it if needed, and replays
// any write-ahead log segments left by a previous run
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	dir := cfg.Dir
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		dir:     dir,
		logger:  o.logger.WithField("component", telemetry.ComponentEngine),
		stats:   o.stats,
		tel:     o.telemetry,
		metrics: NewEngineMetrics(o.telemetry),
		lock:    lock,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	if err := e.open(o.logger); err != nil {
		e.abortOpen()
		return nil, err
	}

	e.refs.Store(1)
	e.wg.Add(1)
	go e.flushWorker()
	e.compaction.Start()

	// Work left over from the previous run
	if e.pool.FrozenCount() > 0 {
		e.signalFlush()
	}
	e.compaction.Trigger()

	e.logger.Info("Opened database %s at %s, last sequence %d",
		e.versions.DBID(), dir, e.lastSeq.Load())
	return e, nil
}

func (e *Engine) open(logger log.Logger) error {
	if err := e.cfg.SaveOptions(e.dir); err != nil {
		return fmt.Errorf("failed to save options: %w", err)
	}

	e.tables = sstable.NewTableCache(e.dir, sstable.NewBlockCache(e.cfg.BlockCacheCapacity))

	vs, err := manifest.Open(e.dir, manifest.Options{
		NumLevels:  e.cfg.MaxLevels,
		Logger:     logger.WithField("component", "manifest"),
		OnObsolete: e.removeObsoleteTables,
	})
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	e.versions = vs

	if err := e.openTables(); err != nil {
		return err
	}
	if err := e.removeOrphanTables(); err != nil {
		return err
	}
	if err := e.recover(); err != nil {
		return err
	}

	e.compaction = compaction.NewCoordinator(e.cfg, e.versions, e.tables, compaction.CoordinatorOptions{
		Metrics: compaction.NewCompactionMetrics(e.tel),
		Stats:   e.stats,
		Logger:  logger.WithField("component", telemetry.ComponentCompaction),
	})
	return nil
}

// abortOpen releases whatever a failed Open acquired
func (e *Engine) abortOpen() {
	if e.wal != nil {
		e.wal.Close()
	}
	if e.versions != nil {
		e.versions.Close()
	}
	if e.tables != nil {
		e.tables.Close()
	}
	if err := e.lock.release(); err != nil {
		e.logger.Warn("Failed to release lock: %v", err)
	}
}

// openTables opens every table the manifest references
func (e *Engine) openTables() error {
	v := e.versions.Current()
	defer v.Unref()

	files := v.AllFiles()
	numbers := make([]uint64, len(files))
	for i, t := range files {
		numbers[i] = t.Number
	}
	if err := e.tables.OpenAll(numbers, runtime.GOMAXPROCS(0)); err != nil {
		return fmt.Errorf("failed to open tables: %w", err)
	}
	return nil
}

// removeOrphanTables deletes table files the manifest does not reference,
// left behind by flushes or compactions interrupted before their edit was
// applied
func (e *Engine) removeOrphanTables() error {
	v := e.versions.Current()
	defer v.Unref()

	live := make(map[uint64]bool)
	for _, t := range v.AllFiles() {
		live[t.Number] = true
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(e.dir, name)
		switch {
		case strings.HasPrefix(name, ".") && strings.HasSuffix(name, sstable.FileExtension+".tmp"):
			os.Remove(path)
		case filepath.Ext(name) == sstable.FileExtension:
			n, err := strconv.ParseUint(strings.TrimSuffix(name, sstable.FileExtension), 10, 64)
			if err != nil {
				continue
			}
			e.versions.MarkFileNumberUsed(n)
			if live[n] {
				continue
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove orphan table %s: %w", name, err)
			}
			e.logger.Info("Removed orphan table %s", name)
		}
	}
	return nil
}

// recover replays the WAL segments that were not yet flushed into the
// active memtable and opens a fresh segment for new writes
func (e *Engine) recover() error {
	start := e.stats.StartRecovery()

	segments, err := wal.FindWALFiles(e.dir)
	if err != nil {
		return err
	}
	minLog := e.versions.LogNumber()
	var replayLog uint64
	for _, seg := range segments {
		e.versions.MarkFileNumberUsed(seg.Number)
		if seg.Number < minLog {
			if err := wal.Remove(e.dir, seg.Number); err != nil {
				e.logger.Warn("Failed to remove obsolete WAL segment %d: %v", seg.Number, err)
			}
			continue
		}
		if replayLog == 0 {
			replayLog = seg.Number
		}
	}

	var newLog uint64
	if e.cfg.WALEnabled {
		newLog = e.versions.NewFileNumber()
	}
	memLog := newLog
	if replayLog != 0 {
		memLog = replayLog
	}
	e.pool = memtable.NewMemTablePool(e.cfg.MaxFrozenMemTables, memLog)

	active := e.pool.Active()
	lastSeq := e.versions.LastSequence()
	rs, replayed, err := wal.ReplayFrom(e.dir, minLog, func(entry *wal.Entry) error {
		var err error
		switch entry.Type {
		case wal.OpTypePut:
			err = active.Put(entry.Key, entry.Value, entry.SequenceNumber)
		case wal.OpTypeDelete:
			err = active.Delete(entry.Key, entry.SequenceNumber)
		default:
			err = fmt.Errorf("%w: %d", wal.ErrInvalidOpType, entry.Type)
		}
		if entry.SequenceNumber > lastSeq {
			lastSeq = entry.SequenceNumber
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}
	e.lastSeq.Store(lastSeq)

	if e.cfg.WALEnabled {
		w, err := wal.Create(e.dir, newLog, wal.OptionsFromConfig(e.cfg))
		if err != nil {
			return err
		}
		e.wal = w
	}

	e.stats.FinishRecovery(start, uint64(len(replayed)), rs.EntriesProcessed, rs.TruncatedTail)
	e.metrics.RecordRecovery(context.Background(), time.Since(start),
		int64(len(replayed)), int64(rs.EntriesProcessed), rs.TruncatedTail)
	if len(replayed) > 0 {
		e.logger.Info("Recovered %d entries from %d WAL segments", rs.EntriesProcessed, len(replayed))
	}
	if rs.TruncatedTail {
		e.logger.Warn("WAL ended with an incomplete record; entries after it were discarded")
	}
	return nil
}

// removeObsoleteTables deletes tables no live version references
func (e *Engine) removeObsoleteTables(tables []*manifest.TableMeta) {
	for _, t := range tables {
		if err := e.tables.Evict(t.Number); err != nil && !errors.Is(err, sstable.ErrTableNotOpen) {
			e.logger.Warn("Failed to close obsolete table %d: %v", t.Number, err)
		}
		path := sstable.FileName(e.dir, t.Number)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("Failed to remove obsolete table %d: %v", t.Number, err)
			continue
		}
		e.logger.Debug("Removed obsolete table %d from level %d", t.Number, t.Level)
	}
}

// Put inserts or replaces the value stored for key
func (e *Engine) Put(key, value []byte) error {
	e.stats.TrackOperation(stats.OpPut)
	start := time.Now()

	err := e.write(wal.OpTypePut, key, value)

	elapsed := time.Since(start)
	e.stats.TrackOperationWithLatency(stats.OpPut, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypePut, elapsed, err)
	if err == nil {
		e.stats.TrackBytes(true, uint64(len(key)+len(value)))
		e.metrics.RecordOperationBytes(context.Background(), telemetry.OpTypePut, int64(len(key)+len(value)))
	} else {
		e.stats.TrackError("put_error")
	}
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (e *Engine) Delete(key []byte) error {
	e.stats.TrackOperation(stats.OpDelete)
	start := time.Now()

	err := e.write(wal.OpTypeDelete, key, nil)

	elapsed := time.Since(start)
	e.stats.TrackOperationWithLatency(stats.OpDelete, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeDelete, elapsed, err)
	if err == nil {
		e.stats.TrackBytes(true, uint64(len(key)))
	} else {
		e.stats.TrackError("delete_error")
	}
	return err
}

func (e *Engine) write(op uint8, key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.makeRoomLocked(); err != nil {
		return err
	}

	seq := e.lastSeq.Load() + 1
	if e.wal != nil {
		if err := e.wal.Append(op, seq, key, value); err != nil {
			return fmt.Errorf("failed to write WAL: %w", err)
		}
	}

	active := e.pool.Active()
	var err error
	if op == wal.OpTypeDelete {
		err = active.Delete(key, seq)
	} else {
		err = active.Put(key, value, seq)
	}
	if err != nil {
		return err
	}
	e.lastSeq.Store(seq)

	size := active.ApproximateSize()
	e.stats.TrackMemTableSize(uint64(size))
	if size >= e.cfg.MemTableSize && !e.pool.Full() {
		if err := e.rotateLocked(); err != nil {
			e.logger.Warn("Failed to rotate memtable: %v", err)
		}
	}
	return nil
}

// makeRoomLocked rotates a full active memtable, or refuses the write once
// the flush queue is full and the active memtable is at its hard limit
func (e *Engine) makeRoomLocked() error {
	size := e.pool.Active().ApproximateSize()
	if size < e.cfg.MemTableSize {
		return nil
	}
	if !e.pool.Full() {
		return e.rotateLocked()
	}
	if size >= e.cfg.MemTableHardLimit() {
		e.signalFlush()
		e.stats.TrackError("backpressure")
		e.metrics.RecordBackpressure(context.Background())
		return ErrCapacity
	}
	return nil
}

// rotateLocked freezes the active memtable, binds a new one to a fresh WAL
// segment and wakes the flush worker
func (e *Engine) rotateLocked() error {
	if e.pool.Full() {
		return ErrCapacity
	}

	var next *wal.WAL
	var logNumber uint64
	if e.cfg.WALEnabled {
		logNumber = e.versions.NewFileNumber()
		w, err := wal.Create(e.dir, logNumber, wal.OptionsFromConfig(e.cfg))
		if err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
		next = w
	}

	frozen, err := e.pool.SwitchToNewMemTable(logNumber)
	if err != nil {
		if next != nil {
			next.Close()
			os.Remove(next.Path())
		}
		return err
	}

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			e.logger.Error("Failed to close WAL segment %d: %v", e.wal.Number(), err)
		}
	}
	e.wal = next

	e.logger.Debug("Froze memtable of %d bytes, %d frozen", frozen.ApproximateSize(), e.pool.FrozenCount())
	e.signalFlush()
	return nil
}

// Get returns the value stored for key. A missing key yields (nil, false, nil).
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrClosed
	}
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	e.stats.TrackOperation(stats.OpGet)
	start := time.Now()

	var entry kv.Entry
	var found bool
	snap, err := e.acquireSnapshot()
	if err == nil {
		entry, found, err = snap.get(key, e.tables)
		snap.release()
	}

	elapsed := time.Since(start)
	e.stats.TrackOperationWithLatency(stats.OpGet, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), telemetry.OpTypeGet, elapsed, err)
	if err != nil {
		e.stats.TrackError("read_error")
		return nil, false, err
	}
	if !found || entry.IsTombstone() {
		return nil, false, nil
	}

	value := append([]byte{}, entry.Value...)
	e.stats.TrackBytes(false, uint64(len(key)+len(value)))
	return value, true, nil
}

// snapshot pins the memtables and table version a read observes
type snapshot struct {
	seq       uint64
	memtables []*memtable.MemTable
	version   *manifest.Version
}

// acquireSnapshot captures the read state. Memtables are taken before the
// version: a flush installs its table before dropping the memtable, so
// every entry is visible through one or the other.
func (e *Engine) acquireSnapshot() (*snapshot, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	seq := e.lastSeq.Load()
	mems := e.pool.GetMemTables()
	return &snapshot{
		seq:       seq,
		memtables: mems,
		version:   e.versions.Current(),
	}, nil
}

// currentVersion pins the current version unless the engine is closed
func (e *Engine) currentVersion() (*manifest.Version, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.versions.Current(), nil
}

func (s *snapshot) release() {
	if s.version != nil {
		s.version.Unref()
		s.version = nil
	}
}

// get finds the newest entry for key, memtables first, then L0 newest first,
// then at most one table per deeper level
func (s *snapshot) get(key []byte, tables *sstable.TableCache) (kv.Entry, bool, error) {
	for _, m := range s.memtables {
		if entry, ok := m.Get(key); ok {
			return entry, true, nil
		}
	}

	for _, t := range s.version.Files(0) {
		if !t.Contains(key) {
			continue
		}
		if entry, ok, err := getFromTable(tables, t, key); err != nil || ok {
			return entry, ok, err
		}
	}

	for level := 1; level < s.version.NumLevels(); level++ {
		files := s.version.Files(level)
		i := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Largest, key) >= 0
		})
		if i == len(files) || !files[i].Contains(key) {
			continue
		}
		if entry, ok, err := getFromTable(tables, files[i], key); err != nil || ok {
			return entry, ok, err
		}
	}
	return kv.Entry{}, false, nil
}

func getFromTable(tables *sstable.TableCache, t *manifest.TableMeta, key []byte) (kv.Entry, bool, error) {
	r, err := tables.Reader(t.Number)
	if err != nil {
		return kv.Entry{}, false, err
	}
	return r.Get(key)
}

// Len returns the number of live keys. It scans the whole database.
func (e *Engine) Len() (int, error) {
	it, err := e.Iter()
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// CompactRange compacts every table overlapping [minKey, maxKey] into the
// deepest level. Nil bounds are unbounded.
func (e *Engine) CompactRange(minKey, maxKey []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.compaction.CompactRange(minKey, maxKey)
}

// CorruptTables returns the numbers of tables that failed verification
func (e *Engine) CorruptTables() []uint64 {
	return e.tables.CorruptTables()
}

// Stats returns engine statistics: operation counters, block cache and
// memtable figures, per-level table counts and compaction progress
func (e *Engine) Stats() map[string]interface{} {
	s := e.stats.GetStats()

	cs := e.tables.BlockCache().Stats()
	s["block_cache_hits"] = cs.Hits
	s["block_cache_misses"] = cs.Misses
	s["block_cache_evictions"] = cs.Evictions
	s["block_cache_size"] = cs.Size
	s["block_cache_capacity"] = cs.Capacity
	ctx := context.Background()
	e.metrics.RecordCacheAccess(ctx,
		cs.Hits-e.reportedHits.Swap(cs.Hits),
		cs.Misses-e.reportedMisses.Swap(cs.Misses))

	active := e.pool.Active().ApproximateSize()
	total := e.pool.TotalSize()
	s["memtable_active_bytes"] = active
	s["memtable_total_bytes"] = total
	s["memtable_frozen_count"] = e.pool.FrozenCount()
	e.metrics.RecordMemoryUsage(ctx, telemetry.ComponentMemTable, total)

	if v, err := e.currentVersion(); err == nil {
		levels := make([]map[string]interface{}, v.NumLevels())
		for level := range levels {
			levels[level] = map[string]interface{}{
				"files": v.NumFiles(level),
				"bytes": v.LevelSize(level),
			}
		}
		v.Unref()
		s["levels"] = levels
	}

	for k, v := range e.compaction.GetCompactionStats() {
		s[k] = v
	}
	s["open_tables"] = e.tables.Len()
	s["corrupt_tables"] = len(e.tables.CorruptTables())
	s["last_sequence"] = e.lastSeq.Load()
	s["db_id"] = e.versions.DBID()
	return s
}

// Clone returns the engine with an extra reference. Each reference must be
// closed; the engine shuts down when the last one is.
func (e *Engine) Clone() *Engine {
	for {
		n := e.refs.Load()
		if n <= 0 || e.refs.CompareAndSwap(n, n+1) {
			return e
		}
	}
}

// Close drops one reference. Closing the last reference stops background
// work, syncs the WAL and releases the data directory.
func (e *Engine) Close() error {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return ErrClosed
		}
		if e.refs.CompareAndSwap(n, n-1) {
			if n > 1 {
				return nil
			}
			break
		}
	}
	return e.shutdown()
}

func (e *Engine) shutdown() error {
	e.writeMu.Lock()
	e.closeMu.Lock()
	e.closed.Store(true)
	e.closeMu.Unlock()
	e.writeMu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	e.compaction.Stop()

	var errs []error
	if !e.cfg.WALEnabled {
		// Without a log, memtables only survive as tables
		if err := e.flushAll(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush memtables: %w", err))
		}
	}
	e.failWaiters(ErrClosed)

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	e.versions.Close()
	if err := e.tables.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.metrics.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.lock.release(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("Closed database %s", e.versions.DBID())
	return errors.Join(errs...)
}

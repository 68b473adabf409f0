package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType names a tracked engine operation
type OperationType string

const (
	OpPut       OperationType = "put"
	OpGet       OperationType = "get"
	OpDelete    OperationType = "delete"
	OpFlush     OperationType = "flush"
	OpCompact   OperationType = "compact"
	OpScan      OperationType = "scan"
	OpScanRange OperationType = "scan_range"
)

// opStats holds everything tracked for one operation type
type opStats struct {
	count  atomic.Uint64
	lastNs atomic.Int64

	// Latency samples, only fed by TrackOperationWithLatency
	samples atomic.Uint64
	sumNs   atomic.Uint64
	minNs   atomic.Uint64 // 0 until the first sample
	maxNs   atomic.Uint64
}

func (o *opStats) observe(latencyNs uint64) {
	o.samples.Add(1)
	o.sumNs.Add(latencyNs)

	for {
		cur := o.maxNs.Load()
		if latencyNs <= cur || o.maxNs.CompareAndSwap(cur, latencyNs) {
			break
		}
	}
	for {
		cur := o.minNs.Load()
		if (cur != 0 && latencyNs >= cur) || o.minNs.CompareAndSwap(cur, latencyNs) {
			break
		}
	}
}

// latency returns the latency summary, or nil when nothing was sampled
func (o *opStats) latency() map[string]interface{} {
	n := o.samples.Load()
	if n == 0 {
		return nil
	}
	out := map[string]interface{}{
		"count":  n,
		"avg_ns": o.sumNs.Load() / n,
	}
	if v := o.minNs.Load(); v != 0 {
		out["min_ns"] = v
	}
	if v := o.maxNs.Load(); v != 0 {
		out["max_ns"] = v
	}
	return out
}

// AtomicCollector collects engine statistics. Hot paths only touch atomics;
// the maps are locked when an operation or error type is seen for the
// first time.
type AtomicCollector struct {
	mu     sync.RWMutex
	ops    map[OperationType]*opStats
	errors map[string]*atomic.Uint64

	memTableSize atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	flushes      atomic.Uint64
	flushEntries atomic.Uint64
	flushBytes   atomic.Uint64

	compactions       atomic.Uint64
	compactionRead    atomic.Uint64
	compactionWritten atomic.Uint64

	recovery struct {
		segments   atomic.Uint64
		entries    atomic.Uint64
		tornTail   atomic.Bool
		durationNs atomic.Int64
	}
}

// NewAtomicCollector creates an empty collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		ops:    make(map[OperationType]*opStats),
		errors: make(map[string]*atomic.Uint64),
	}
}

func (c *AtomicCollector) op(op OperationType) *opStats {
	c.mu.RLock()
	s, ok := c.ops[op]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.ops[op]; !ok {
		s = &opStats{}
		c.ops[op] = s
	}
	return s
}

// TrackOperation counts one operation
func (c *AtomicCollector) TrackOperation(op OperationType) {
	s := c.op(op)
	s.count.Add(1)
	s.lastNs.Store(time.Now().UnixNano())
}

// TrackOperationWithLatency counts one operation and samples its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	s := c.op(op)
	s.count.Add(1)
	s.lastNs.Store(time.Now().UnixNano())
	s.observe(latencyNs)
}

// TrackError counts one error of errorType
func (c *AtomicCollector) TrackError(errorType string) {
	c.mu.RLock()
	counter, ok := c.errors[errorType]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if counter, ok = c.errors[errorType]; !ok {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.mu.Unlock()
	}
	counter.Add(1)
}

// TrackBytes adds to the bytes read or written
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.bytesWritten.Add(bytes)
		return
	}
	c.bytesRead.Add(bytes)
}

// TrackMemTableSize records the size of the active memtable
func (c *AtomicCollector) TrackMemTableSize(size uint64) {
	c.memTableSize.Store(size)
}

// TrackFlush records a completed flush
func (c *AtomicCollector) TrackFlush(entries, bytes uint64) {
	c.flushes.Add(1)
	c.flushEntries.Add(entries)
	c.flushBytes.Add(bytes)
}

// TrackCompaction records a completed compaction
func (c *AtomicCollector) TrackCompaction(bytesRead, bytesWritten uint64) {
	c.compactions.Add(1)
	c.compactionRead.Add(bytesRead)
	c.compactionWritten.Add(bytesWritten)
}

// StartRecovery resets the recovery figures and returns the start time to
// pass to FinishRecovery
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recovery.segments.Store(0)
	c.recovery.entries.Store(0)
	c.recovery.tornTail.Store(false)
	c.recovery.durationNs.Store(0)
	return time.Now()
}

// FinishRecovery records the outcome of WAL replay
func (c *AtomicCollector) FinishRecovery(startTime time.Time, segmentsReplayed, entriesReplayed uint64, tornTail bool) {
	c.recovery.segments.Store(segmentsReplayed)
	c.recovery.entries.Store(entriesReplayed)
	c.recovery.tornTail.Store(tornTail)
	c.recovery.durationNs.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns a snapshot of every statistic
func (c *AtomicCollector) GetStats() map[string]interface{} {
	out := map[string]interface{}{
		"memtable_size":            c.memTableSize.Load(),
		"total_bytes_read":         c.bytesRead.Load(),
		"total_bytes_written":      c.bytesWritten.Load(),
		"flush_count":              c.flushes.Load(),
		"flush_entries":            c.flushEntries.Load(),
		"flush_bytes":              c.flushBytes.Load(),
		"compaction_count":         c.compactions.Load(),
		"compaction_bytes_read":    c.compactionRead.Load(),
		"compaction_bytes_written": c.compactionWritten.Load(),
	}

	c.mu.RLock()
	for op, s := range c.ops {
		out[string(op)+"_ops"] = s.count.Load()
		if last := s.lastNs.Load(); last != 0 {
			out["last_"+string(op)+"_time"] = last
		}
		if l := s.latency(); l != nil {
			out[string(op)+"_latency"] = l
		}
	}
	errs := make(map[string]uint64, len(c.errors))
	for name, counter := range c.errors {
		errs[name] = counter.Load()
	}
	c.mu.RUnlock()
	out["errors"] = errs

	recovery := map[string]interface{}{
		"wal_segments_replayed": c.recovery.segments.Load(),
		"wal_entries_replayed":  c.recovery.entries.Load(),
		"wal_torn_tail":         c.recovery.tornTail.Load(),
	}
	if d := c.recovery.durationNs.Load(); d > 0 {
		recovery["wal_recovery_duration_ms"] = d / int64(time.Millisecond)
	}
	out["recovery"] = recovery

	return out
}

// GetStatsFiltered returns the statistics whose name starts with prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	for name, v := range c.GetStats() {
		if strings.HasPrefix(name, prefix) {
			out[name] = v
		}
	}
	return out
}

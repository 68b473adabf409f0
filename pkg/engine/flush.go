package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/KevoDB/lsmtree/pkg/common/kv"
	"github.com/KevoDB/lsmtree/pkg/compaction"
	"github.com/KevoDB/lsmtree/pkg/manifest"
	"github.com/KevoDB/lsmtree/pkg/memtable"
	"github.com/KevoDB/lsmtree/pkg/sstable"
	"github.com/KevoDB/lsmtree/pkg/stats"
	"github.com/KevoDB/lsmtree/pkg/wal"
)

// FlushHandle tracks a requested flush. It completes once the targeted
// memtable, and every memtable frozen before it, is stored in a table
// recorded in the manifest, or when a flush attempt fails.
type FlushHandle struct {
	target *memtable.MemTable
	done   chan struct{}
	err    error
}

func newFlushHandle(target *memtable.MemTable) *FlushHandle {
	return &FlushHandle{target: target, done: make(chan struct{})}
}

func (h *FlushHandle) complete(err error) {
	h.err = err
	close(h.done)
}

// Done returns a channel closed when the flush completes
func (h *FlushHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the outcome of a completed flush
func (h *FlushHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the flush completes or ctx is done. Cancelling ctx
// stops waiting; the flush itself carries on.
func (h *FlushHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceFlush freezes the active memtable, if it holds anything, and queues
// it for flushing. It fails with ErrCapacity when the flush queue is full.
func (e *Engine) ForceFlush() (*FlushHandle, error) {
	e.writeMu.Lock()
	if e.closed.Load() {
		e.writeMu.Unlock()
		return nil, ErrClosed
	}
	var target *memtable.MemTable
	if active := e.pool.Active(); !active.Empty() {
		if err := e.rotateLocked(); err != nil {
			e.writeMu.Unlock()
			return nil, err
		}
		target = active
	}
	e.writeMu.Unlock()

	if target == nil {
		if frozen := e.pool.Frozen(); len(frozen) > 0 {
			target = frozen[len(frozen)-1]
		}
	}

	h := newFlushHandle(target)
	e.flushMu.Lock()
	if target != nil && e.isQueued(target) {
		e.waiters = append(e.waiters, h)
	} else {
		h.complete(nil)
	}
	e.flushMu.Unlock()

	e.signalFlush()
	return h, nil
}

func (e *Engine) isQueued(m *memtable.MemTable) bool {
	for _, f := range e.pool.Frozen() {
		if f == m {
			return true
		}
	}
	return false
}

// completeWaitersLocked finishes the waiters whose memtable has left the queue
func (e *Engine) completeWaitersLocked() {
	remaining := e.waiters[:0]
	for _, h := range e.waiters {
		if e.isQueued(h.target) {
			remaining = append(remaining, h)
			continue
		}
		h.complete(nil)
	}
	clear(e.waiters[len(remaining):])
	e.waiters = remaining
}

// failWaiters finishes every pending waiter with err
func (e *Engine) failWaiters(err error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	for _, h := range e.waiters {
		h.complete(err)
	}
	e.waiters = nil
}

func (e *Engine) signalFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

// flushWorker drains the frozen memtables, oldest first. A failed flush is
// retried on the next signal or retry tick.
func (e *Engine) flushWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.FlushRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.flushCh:
		case <-ticker.C:
		}
		if err := e.drainFlushQueue(); err != nil {
			e.logger.Error("Flush failed, will retry: %v", err)
		}
	}
}

// drainFlushQueue flushes frozen memtables until none are left or one fails
func (e *Engine) drainFlushQueue() error {
	e.flushing.Lock()
	defer e.flushing.Unlock()

	for {
		frozen := e.pool.Frozen()
		if len(frozen) == 0 {
			return nil
		}
		if err := e.flushMemTable(frozen[0]); err != nil {
			e.stats.TrackError("flush_error")
			e.failWaiters(err)
			return err
		}
		e.compaction.Trigger()
	}
}

// flushAll freezes the active memtable and flushes everything queued
func (e *Engine) flushAll() error {
	if err := e.drainFlushQueue(); err != nil {
		return err
	}
	e.writeMu.Lock()
	var err error
	if !e.pool.Active().Empty() {
		err = e.rotateLocked()
	}
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	return e.drainFlushQueue()
}

// flushMemTable writes mem to a level 0 table, records it in the manifest
// and drops mem from the read path
func (e *Engine) flushMemTable(mem *memtable.MemTable) (err error) {
	start := time.Now()
	ctx, span := e.metrics.StartFlush(context.Background(), mem.LogNumber())
	defer span.End()

	var props *sstable.Properties
	defer func() {
		var entries, size int64
		if props != nil {
			entries, size = int64(props.NumEntries), int64(props.FileSize)
		}
		e.metrics.RecordFlush(ctx, time.Since(start), entries, size, err)
	}()

	edit := &manifest.Edit{
		LogNumber:    e.logNumberAfterFlush(mem),
		LastSequence: mem.MaxSeqNum(),
	}

	var number uint64
	if !mem.Empty() {
		number = e.versions.NewFileNumber()
		props, err = e.writeTable(number, mem)
		if err != nil {
			return err
		}
		if _, err = e.tables.Open(number); err != nil {
			os.Remove(sstable.FileName(e.dir, number))
			return fmt.Errorf("failed to open flushed table: %w", err)
		}
		edit.AddTable(0, compaction.NewTableMeta(number, props))
	}

	if err = e.versions.LogAndApply(edit); err != nil {
		if number != 0 {
			e.tables.Evict(number)
			os.Remove(sstable.FileName(e.dir, number))
		}
		return fmt.Errorf("failed to record flushed table: %w", err)
	}

	e.flushMu.Lock()
	e.pool.Remove(mem)
	e.completeWaitersLocked()
	e.flushMu.Unlock()

	e.removeObsoleteLogs(edit.LogNumber)

	if props != nil {
		e.stats.TrackFlush(props.NumEntries, props.FileSize)
		e.logger.Info("Flushed memtable to table %d: %d entries, %d bytes",
			number, props.NumEntries, props.FileSize)
	}
	e.stats.TrackOperationWithLatency(stats.OpFlush, uint64(time.Since(start).Nanoseconds()))
	return nil
}

// logNumberAfterFlush returns the oldest WAL segment still needed once mem is
// flushed: the segment of the oldest other memtable bound to one. Without a
// WAL every segment up to now becomes obsolete.
func (e *Engine) logNumberAfterFlush(mem *memtable.MemTable) uint64 {
	var oldest uint64
	for _, m := range e.pool.GetMemTables() {
		if m == mem || m.LogNumber() == 0 {
			continue
		}
		if oldest == 0 || m.LogNumber() < oldest {
			oldest = m.LogNumber()
		}
	}
	if oldest == 0 {
		oldest = e.versions.NextFileNumber()
	}
	return oldest
}

// removeObsoleteLogs deletes WAL segments older than minNumber
func (e *Engine) removeObsoleteLogs(minNumber uint64) {
	segments, err := wal.FindWALFiles(e.dir)
	if err != nil {
		e.logger.Warn("Failed to list WAL segments: %v", err)
		return
	}
	for _, seg := range segments {
		if seg.Number >= minNumber {
			break
		}
		if err := wal.Remove(e.dir, seg.Number); err != nil {
			e.logger.Warn("Failed to remove WAL segment %d: %v", seg.Number, err)
		}
	}
}

func (e *Engine) writerOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockSize:       e.cfg.BlockSize,
		RestartInterval: e.cfg.RestartInterval,
		BloomBitsPerKey: e.cfg.BloomBitsPerKey,
		Compression:     e.cfg.Compression,
	}
}

// writeTable writes the newest version of every key in mem, tombstones
// included, to table number
func (e *Engine) writeTable(number uint64, mem *memtable.MemTable) (*sstable.Properties, error) {
	w, err := sstable.NewWriter(sstable.FileName(e.dir, number), e.writerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create table writer: %w", err)
	}

	it := mem.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		entry := kv.Entry{
			Key:    it.Key(),
			Value:  it.Value(),
			SeqNum: it.SeqNum(),
			Kind:   kv.KindValue,
		}
		if it.IsTombstone() {
			entry.Kind = kv.KindDeletion
			entry.Value = nil
		}
		if err := w.Add(entry); err != nil {
			w.Abort()
			return nil, fmt.Errorf("failed to write table %d: %w", number, err)
		}
	}
	if err := it.Err(); err != nil {
		w.Abort()
		return nil, err
	}

	props, err := w.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish table %d: %w", number, err)
	}
	return props, nil
}

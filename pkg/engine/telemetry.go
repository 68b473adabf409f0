// ABOUTME: Engine-level telemetry for client operations, memtable flushes and WAL recovery
// ABOUTME: Also reports memory held by memtables and block cache effectiveness

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/lsmtree/pkg/telemetry"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	// Operation tracing
	RecordOperation(ctx context.Context, operation string, duration time.Duration, err error)
	RecordOperationBytes(ctx context.Context, operation string, bytes int64)
	RecordBackpressure(ctx context.Context)

	// Flush
	StartFlush(ctx context.Context, logNumber uint64) (context.Context, trace.Span)
	RecordFlush(ctx context.Context, duration time.Duration, entries, bytes int64, err error)

	// Startup
	RecordRecovery(ctx context.Context, duration time.Duration, segments, entries int64, tornTail bool)

	// Resource monitoring
	RecordMemoryUsage(ctx context.Context, component string, bytes int64)
	RecordCacheAccess(ctx context.Context, hits, misses int64)

	// Resource cleanup
	Close() error
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return NewNoopEngineMetrics()
	}
	return &engineMetrics{
		tel: tel,
	}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

// RecordOperation records the latency and outcome of a client operation
func (m *engineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentEngine)},
		{Key: telemetry.AttrOperationType, Value: attribute.StringValue(operation)},
		{Key: telemetry.AttrStatus, Value: attribute.StringValue(telemetry.Status(err))},
	}

	m.tel.RecordHistogram(ctx, "lsmtree.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "lsmtree.engine.operation.count", 1, attrs...)
}

// RecordOperationBytes records the bytes moved by a client operation
func (m *engineMetrics) RecordOperationBytes(ctx context.Context, operation string, bytes int64) {
	telemetry.RecordBytes(ctx, m.tel, "lsmtree.engine.operation.bytes", bytes,
		attribute.KeyValue{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentEngine)},
		attribute.KeyValue{Key: telemetry.AttrOperationType, Value: attribute.StringValue(operation)},
	)
}

// RecordBackpressure counts writes refused because the flush queue is full
func (m *engineMetrics) RecordBackpressure(ctx context.Context) {
	m.tel.RecordCounter(ctx, "lsmtree.engine.backpressure.rejections", 1,
		attribute.KeyValue{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentMemTable)},
	)
}

// StartFlush opens a span covering the flush of one memtable
func (m *engineMetrics) StartFlush(ctx context.Context, logNumber uint64) (context.Context, trace.Span) {
	return m.tel.StartSpan(ctx, "lsmtree.engine.flush",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentFlush),
		attribute.Int64("log_number", int64(logNumber)),
	)
}

// RecordFlush records the outcome of a memtable flush
func (m *engineMetrics) RecordFlush(ctx context.Context, duration time.Duration, entries, bytes int64, err error) {
	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentFlush)},
		{Key: telemetry.AttrStatus, Value: attribute.StringValue(telemetry.Status(err))},
	}

	m.tel.RecordHistogram(ctx, "lsmtree.engine.flush.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "lsmtree.engine.flush.count", 1, attrs...)
	if err != nil {
		return
	}
	m.tel.RecordCounter(ctx, "lsmtree.engine.flush.entries", entries, attrs...)
	m.tel.RecordCounter(ctx, "lsmtree.engine.flush.bytes", bytes, attrs...)
}

// RecordRecovery records WAL replay performed while opening the engine
func (m *engineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, segments, entries int64, tornTail bool) {
	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentWAL)},
		{Key: "torn_tail", Value: attribute.BoolValue(tornTail)},
	}

	m.tel.RecordHistogram(ctx, "lsmtree.engine.recovery.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "lsmtree.engine.recovery.segments", segments, attrs...)
	m.tel.RecordCounter(ctx, "lsmtree.engine.recovery.entries", entries, attrs...)
}

// RecordMemoryUsage records memory usage by component
func (m *engineMetrics) RecordMemoryUsage(ctx context.Context, component string, bytes int64) {
	m.tel.RecordHistogram(ctx, "lsmtree.engine.memory.usage.bytes", float64(bytes),
		attribute.KeyValue{Key: telemetry.AttrComponent, Value: attribute.StringValue(component)},
	)
}

// RecordCacheAccess records block cache hits and misses since the last call
func (m *engineMetrics) RecordCacheAccess(ctx context.Context, hits, misses int64) {
	attrs := []attribute.KeyValue{
		{Key: telemetry.AttrComponent, Value: attribute.StringValue(telemetry.ComponentCache)},
	}
	if hits > 0 {
		m.tel.RecordCounter(ctx, "lsmtree.engine.cache.hits", hits, attrs...)
	}
	if misses > 0 {
		m.tel.RecordCounter(ctx, "lsmtree.engine.cache.misses", misses, attrs...)
	}
}

// Close closes the metrics and cleans up resources
func (m *engineMetrics) Close() error {
	// Engine metrics doesn't own the telemetry instance, so we don't close it
	return nil
}

// noopEngineMetrics provides a no-op implementation for testing or disabled telemetry
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
}
func (n *noopEngineMetrics) RecordOperationBytes(ctx context.Context, operation string, bytes int64) {
}
func (n *noopEngineMetrics) RecordBackpressure(ctx context.Context) {}
func (n *noopEngineMetrics) StartFlush(ctx context.Context, logNumber uint64) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}
func (n *noopEngineMetrics) RecordFlush(ctx context.Context, duration time.Duration, entries, bytes int64, err error) {
}
func (n *noopEngineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, segments, entries int64, tornTail bool) {
}
func (n *noopEngineMetrics) RecordMemoryUsage(ctx context.Context, component string, bytes int64) {
}
func (n *noopEngineMetrics) RecordCacheAccess(ctx context.Context, hits, misses int64) {}
func (n *noopEngineMetrics) Close() error                                              { return nil }

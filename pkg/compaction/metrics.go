// ABOUTME: This file defines telemetry metrics for compaction operations
// ABOUTME: covering task selection, merge throughput, level movement and per-level shape

package compaction

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/lsmtree/pkg/telemetry"
)

// CompactionMetrics interface defines telemetry methods for compaction operations
type CompactionMetrics interface {
	// StartCompaction opens a span covering one compaction task
	StartCompaction(ctx context.Context, task *Task) (context.Context, trace.Span)

	// RecordCompactionStart records the selection of a task
	RecordCompactionStart(ctx context.Context, level int, reason string, inputFileCount int, inputSize int64)

	// RecordCompactionComplete records the outcome of a task
	RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, tombstonesRemoved int64, success bool)

	// RecordLevelTransition records data moved between levels
	RecordLevelTransition(ctx context.Context, fromLevel int, toLevel int, bytes int64)

	// RecordLevelStats records the shape of a level after a compaction
	RecordLevelStats(ctx context.Context, level int, fileCount int64, totalSize int64)

	// Close cleans up any resources used by the metrics
	Close() error
}

// compactionMetrics implements CompactionMetrics using the telemetry package
type compactionMetrics struct {
	tel telemetry.Telemetry
}

// NewCompactionMetrics creates a new CompactionMetrics implementation
func NewCompactionMetrics(tel telemetry.Telemetry) CompactionMetrics {
	if tel == nil {
		return NewNoopCompactionMetrics()
	}
	return &compactionMetrics{
		tel: tel,
	}
}

// NewNoopCompactionMetrics creates a no-op CompactionMetrics for testing/disabled scenarios
func NewNoopCompactionMetrics() CompactionMetrics {
	return &noopCompactionMetrics{}
}

func (m *compactionMetrics) StartCompaction(ctx context.Context, task *Task) (context.Context, trace.Span) {
	return m.tel.StartSpan(ctx, "lsmtree.compaction.run",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrReason, task.Reason),
		attribute.Int("source_level", task.SourceLevel),
		attribute.Int("target_level", task.TargetLevel),
		attribute.Int("input_files", task.NumInputs()),
	)
}

// RecordCompactionStart records the selection of a task
func (m *compactionMetrics) RecordCompactionStart(ctx context.Context, level int, reason string, inputFileCount int, inputSize int64) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.Int(telemetry.AttrLevel, level),
		attribute.String(telemetry.AttrReason, reasonToString(reason)),
	}

	m.tel.RecordCounter(ctx, "lsmtree.compaction.start.count", 1, attrs...)
	m.tel.RecordCounter(ctx, "lsmtree.compaction.input.files", int64(inputFileCount), attrs...)
	m.tel.RecordCounter(ctx, "lsmtree.compaction.input.bytes", inputSize, attrs...)
}

// RecordCompactionComplete records the outcome of a task
func (m *compactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, tombstonesRemoved int64, success bool) {
	m.tel.RecordHistogram(ctx, "lsmtree.compaction.execution.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, statusToString(success)),
	)

	if !success {
		m.tel.RecordCounter(ctx, "lsmtree.compaction.errors", 1,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
		return
	}

	m.tel.RecordCounter(ctx, "lsmtree.compaction.output.bytes", outputSize,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
	m.tel.RecordCounter(ctx, "lsmtree.compaction.tombstones.removed", tombstonesRemoved,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	if reclaimed := inputSize - outputSize; reclaimed > 0 {
		m.tel.RecordCounter(ctx, "lsmtree.compaction.space.reclaimed.bytes", reclaimed,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}
	if inputSize > 0 {
		m.tel.RecordHistogram(ctx, "lsmtree.compaction.compression.ratio", float64(outputSize)/float64(inputSize),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}
}

// RecordLevelTransition records data moved between levels
func (m *compactionMetrics) RecordLevelTransition(ctx context.Context, fromLevel int, toLevel int, bytes int64) {
	m.tel.RecordCounter(ctx, "lsmtree.compaction.level.transition.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.Int("from_level", fromLevel),
		attribute.Int("to_level", toLevel),
	)
}

// RecordLevelStats records the shape of a level after a compaction
func (m *compactionMetrics) RecordLevelStats(ctx context.Context, level int, fileCount int64, totalSize int64) {
	m.tel.RecordHistogram(ctx, "lsmtree.compaction.level.file_count", float64(fileCount),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.Int(telemetry.AttrLevel, level),
	)
	m.tel.RecordHistogram(ctx, "lsmtree.compaction.level.total_size", float64(totalSize),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.Int(telemetry.AttrLevel, level),
	)
}

// Close cleans up any resources used by the metrics
func (m *compactionMetrics) Close() error {
	return nil
}

// noopCompactionMetrics provides a no-op implementation for testing/disabled scenarios
type noopCompactionMetrics struct{}

func (n *noopCompactionMetrics) StartCompaction(ctx context.Context, task *Task) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}
func (n *noopCompactionMetrics) RecordCompactionStart(ctx context.Context, level int, reason string, inputFileCount int, inputSize int64) {
}
func (n *noopCompactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, tombstonesRemoved int64, success bool) {
}
func (n *noopCompactionMetrics) RecordLevelTransition(ctx context.Context, fromLevel int, toLevel int, bytes int64) {
}
func (n *noopCompactionMetrics) RecordLevelStats(ctx context.Context, level int, fileCount int64, totalSize int64) {
}
func (n *noopCompactionMetrics) Close() error { return nil }

// statusToString converts success/failure to string representation
func statusToString(success bool) string {
	if success {
		return telemetry.StatusSuccess
	}
	return telemetry.StatusError
}

// reasonToString bounds the reason attribute to known values
func reasonToString(reason string) string {
	switch reason {
	case ReasonL0Files, ReasonLevelSize, ReasonManual:
		return reason
	default:
		return "unknown"
	}
}

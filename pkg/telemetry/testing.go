// ABOUTME: In-memory telemetry backed by the OpenTelemetry SDK for use in tests
// ABOUTME: Collects metrics through a manual reader and ended spans through a span recorder

package telemetry

import (
	"context"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Recorder is a Telemetry that keeps everything it records in memory
type Recorder struct {
	Telemetry
	Reader *sdkmetric.ManualReader
	Spans  *tracetest.SpanRecorder
}

// NewRecorder creates a Recorder with every span sampled
func NewRecorder() *Recorder {
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()

	cfg := DefaultConfig()
	cfg.Exporters = nil
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	tel, err := New(cfg)
	if err != nil {
		// The configuration above is always valid
		panic(err)
	}
	return &Recorder{Telemetry: tel, Reader: reader, Spans: spans}
}

// Collect gathers the metrics recorded so far
func (r *Recorder) Collect() (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := r.Reader.Collect(context.Background(), &rm)
	return rm, err
}

// CounterValue returns the sum of every data point of the named counter
func (r *Recorder) CounterValue(name string) int64 {
	rm, err := r.Collect()
	if err != nil {
		return 0
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// HistogramCount returns the number of values recorded in the named histogram
func (r *Recorder) HistogramCount(name string) uint64 {
	rm, err := r.Collect()
	if err != nil {
		return 0
	}
	var count uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if h, ok := m.Data.(metricdata.Histogram[float64]); ok {
				for _, dp := range h.DataPoints {
					count += dp.Count
				}
			}
		}
	}
	return count
}

// SpanNames returns the names of the ended spans in the order they ended
func (r *Recorder) SpanNames() []string {
	ended := r.Spans.Ended()
	names := make([]string, len(ended))
	for i, s := range ended {
		names[i] = s.Name()
	}
	return names
}

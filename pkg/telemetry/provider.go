// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup
// ABOUTME: Handles provider lifecycle, resource attributes, sampling, and instrument caching

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the scope name of every instrument and tracer
const InstrumentationName = "github.com/KevoDB/lsmtree"

// TelemetryProvider implements the Telemetry interface using OpenTelemetry.
type TelemetryProvider struct {
	config    Config
	meter     metric.Meter
	tracer    oteltrace.Tracer
	shutdowns []func(context.Context) error
	closed    atomic.Bool

	mu         sync.RWMutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
}

// New creates a new TelemetryProvider with the given configuration.
// A disabled configuration yields a no-op implementation.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	p := &TelemetryProvider{
		config:     cfg,
		histograms: make(map[string]metric.Float64Histogram),
		counters:   make(map[string]metric.Int64Counter),
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	mp := cfg.MeterProvider
	if mp == nil {
		readers, err := createMetricReaders(cfg)
		if err != nil {
			return nil, err
		}
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		sdkMP := sdkmetric.NewMeterProvider(opts...)
		p.shutdowns = append(p.shutdowns, sdkMP.Shutdown)
		mp = sdkMP
	}

	tp := cfg.TracerProvider
	if tp == nil {
		exporters, err := createTraceExporters(cfg)
		if err != nil {
			p.Shutdown(context.Background())
			return nil, err
		}
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		}
		for _, exp := range exporters {
			opts = append(opts, sdktrace.WithBatcher(exp,
				sdktrace.WithBatchTimeout(cfg.BatchTimeout),
				sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
				sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			))
		}
		sdkTP := sdktrace.NewTracerProvider(opts...)
		// Spans are flushed before the meter provider goes away
		p.shutdowns = append([]func(context.Context) error{sdkTP.Shutdown}, p.shutdowns...)
		tp = sdkTP
	}

	p.meter = mp.Meter(InstrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	p.tracer = tp.Tracer(InstrumentationName, oteltrace.WithInstrumentationVersion(cfg.ServiceVersion))
	return p, nil
}

// RecordHistogram records a value in the named histogram.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	if p.closed.Load() {
		return
	}
	h, err := p.histogram(name)
	if err != nil {
		return
	}
	h.Record(contextOrBackground(ctx), value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the named counter.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	if p.closed.Load() {
		return
	}
	c, err := p.counter(name)
	if err != nil {
		return
	}
	c.Add(contextOrBackground(ctx), value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span as a child of any span carried by ctx.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(contextOrBackground(ctx), name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the providers created by New. It is safe to
// call more than once.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	ctx = contextOrBackground(ctx)

	var errs []error
	for _, shutdown := range p.shutdowns {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *TelemetryProvider) histogram(name string) (metric.Float64Histogram, error) {
	p.mu.RLock()
	h, ok := p.histograms[name]
	p.mu.RUnlock()
	if ok {
		return h, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.histograms[name]; ok {
		return h, nil
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	p.histograms[name] = h
	return h, nil
}

func (p *TelemetryProvider) counter(name string) (metric.Int64Counter, error) {
	p.mu.RLock()
	c, ok := p.counters[name]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.counters[name]; ok {
		return c, nil
	}
	c, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = c
	return c, nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

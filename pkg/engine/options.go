package engine

import (
	"github.com/KevoDB/lsmtree/pkg/common/log"
	"github.com/KevoDB/lsmtree/pkg/stats"
	"github.com/KevoDB/lsmtree/pkg/telemetry"
)

// Option customizes an engine at Open
type Option func(*options)

type options struct {
	logger    log.Logger
	telemetry telemetry.Telemetry
	stats     stats.Collector
}

// WithLogger sets the logger the engine and its components derive from
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry sets the telemetry backend. The engine does not shut it down.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// WithStatsCollector sets the statistics collector
func WithStatsCollector(collector stats.Collector) Option {
	return func(o *options) {
		o.stats = collector
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.GetDefaultLogger()
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewNoop()
	}
	if o.stats == nil {
		o.stats = stats.NewAtomicCollector()
	}
	return o
}

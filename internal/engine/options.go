package engine

import (
	"log/slog"
	"time"

	"wata/internal/metrics"
	"wata/internal/notify"
	"wata/internal/store"
	"wata/internal/util"
)

type options struct {
	logger   *slog.Logger
	notifier notify.Notifier
	metrics  *metrics.Metrics
	samples  store.SampleStore
	now      func() time.Time
}

// Option configures an Orchestrator or a Monitor.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithNotifier sets where closure and error notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSampleStore makes the monitor persist performance samples.
func WithSampleStore(s store.SampleStore) Option {
	return func(o *options) { o.samples = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = util.OrDefault(o.logger)
	if o.notifier == nil {
		o.notifier = notify.LogNotifier{Logger: o.logger}
	}
	return o
}

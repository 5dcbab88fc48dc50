package bus

import (
	"time"

	"github.com/toolink/msgbus/dispatch"
	"github.com/toolink/msgbus/metrics"
)

type options struct {
	strongByDefault bool
	errorHandlers   []dispatch.ErrorHandler
	workers         int
	bufferSize      int
	sweepInterval   time.Duration
	metrics         *metrics.Collector
	closers         []func() error
}

func defaultOptions() options {
	return options{
		strongByDefault: true,
		workers:         1,
		bufferSize:      128,
	}
}

// Option configures a MessageBus.
type Option func(*options)

// WithStrongReferencesByDefault decides how handlers that leave the reference
// kind undefined hold their listener. Defaults to true (strong).
func WithStrongReferencesByDefault(strong bool) Option {
	return func(o *options) {
		o.strongByDefault = strong
	}
}

// WithErrorHandler adds a handler for publication errors. Without any, errors
// are logged.
func WithErrorHandler(h dispatch.ErrorHandler) Option {
	return func(o *options) {
		if h != nil {
			o.errorHandlers = append(o.errorHandlers, h)
		}
	}
}

// WithWorkers sets the number of goroutines delivering async publications.
// Defaults to 1, which keeps async deliveries in publication order.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithBufferSize sets how many async batches may wait for delivery before
// PublishAsync blocks. Defaults to 128.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithSweepInterval purges subscriptions of collected weak listeners every d.
// Disabled by default; dead subscriptions are then purged when a publication
// reaches them.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithMetrics records bus activity with c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// withCloser registers a resource to release on Shutdown.
func withCloser(fn func() error) Option {
	return func(o *options) {
		o.closers = append(o.closers, fn)
	}
}

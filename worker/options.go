package worker

import "github.com/toolink/msgbus/metrics"

// consumptionMode decides how many processors drain the queue.
type consumptionMode int

const (
	Sequential consumptionMode = iota
	Concurrent
)

func (m consumptionMode) String() string {
	if m == Concurrent {
		return "concurrent"
	}
	return "sequential"
}

type poolOptions struct {
	mode        consumptionMode
	concurrency int // number of processors (if mode == Concurrent)
	bufferSize  int // queued batches before Deliver blocks
	metrics     *metrics.Collector
}

func defaultPoolOptions() poolOptions {
	return poolOptions{
		mode:        Sequential,
		concurrency: 1,
		bufferSize:  128,
	}
}

// Option configures a Pool.
type Option func(*poolOptions)

// WithConcurrency sets the number of processor goroutines. Setting n > 1
// enables Concurrent mode, where batches may be delivered out of publication
// order. Defaults to 1 (Sequential).
func WithConcurrency(n int) Option {
	return func(o *poolOptions) {
		if n > 0 {
			o.concurrency = n
			if n > 1 {
				o.mode = Concurrent
			} else {
				o.mode = Sequential
			}
		}
	}
}

// WithBufferSize sets how many batches may wait in the queue. Defaults to 128.
func WithBufferSize(size int) Option {
	return func(o *poolOptions) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithMetrics tracks the queue depth with c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *poolOptions) {
		o.metrics = c
	}
}

// Package bus is the entry point of the message bus: listeners subscribe
// their declared handlers and publishers deliver messages to every handler
// whose parameters match, synchronously or through a worker pool.
//
//	b := bus.New(bus.WithWorkers(4))
//	b.Start()
//	defer b.Shutdown(context.Background())
//
//	_ = b.Subscribe(&billing{})
//	b.Publish(OrderPlaced{ID: 7})
//	b.PublishAsync(OrderPlaced{ID: 8}, Customer{Name: "ann"})
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/msgbus/dispatch"
	"github.com/toolink/msgbus/handler"
	"github.com/toolink/msgbus/hierarchy"
	"github.com/toolink/msgbus/report"
	"github.com/toolink/msgbus/subscription"
	"github.com/toolink/msgbus/worker"
)

// DeadMessage wraps publications that matched no handler.
type DeadMessage = dispatch.DeadMessage

// PublicationError describes a failed publication or handler invocation.
type PublicationError = dispatch.PublicationError

// MessageBus routes published messages to subscribed handlers.
type MessageBus struct {
	opts   options
	cache  *hierarchy.Cache
	reader *handler.Reader
	index  *subscription.Index
	errors dispatch.ErrorHandler

	publisher      *dispatch.Publisher
	asyncPublisher *dispatch.Publisher
	pool           *worker.Pool

	startOnce sync.Once
	stopOnce  sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a bus. Synchronous publication works right away; call Start
// before publishing asynchronously.
func New(opts ...Option) *MessageBus {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &MessageBus{
		opts:      cfg,
		cache:     hierarchy.New(),
		reader:    handler.NewReader(),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	b.index = subscription.NewIndex(b.cache, cfg.strongByDefault)

	switch len(cfg.errorHandlers) {
	case 0:
		b.errors = report.NewLogHandler(nil)
	case 1:
		b.errors = cfg.errorHandlers[0]
	default:
		b.errors = report.Multi(cfg.errorHandlers)
	}

	b.pool = worker.NewPool(
		worker.WithConcurrency(cfg.workers),
		worker.WithBufferSize(cfg.bufferSize),
		worker.WithMetrics(cfg.metrics),
	)
	b.publisher = dispatch.NewPublisher(b.index, dispatch.Sync{}, b.errors, dispatch.WithMetrics(cfg.metrics))
	b.asyncPublisher = dispatch.NewPublisher(b.index, b.pool, b.errors, dispatch.WithMetrics(cfg.metrics))
	return b
}

// Subscribe registers every enabled handler listener declares. listener must
// be a non-nil pointer implementing handler.Declarer. Subscribing an already
// subscribed listener is a no-op.
func (b *MessageBus) Subscribe(listener any) error {
	descriptors, err := b.reader.Read(listener)
	if err != nil {
		return err
	}
	if err := b.index.Subscribe(listener, descriptors); err != nil {
		return err
	}
	b.opts.metrics.SetSubscriptions(b.index.Len())
	return nil
}

// Unsubscribe removes every handler of listener. No publication started
// after Unsubscribe returns reaches the listener. Unknown listeners are
// ignored.
func (b *MessageBus) Unsubscribe(listener any) {
	b.index.Unsubscribe(listener)
	b.opts.metrics.SetSubscriptions(b.index.Len())
}

// Publish delivers one to three messages to the matching handlers before it
// returns. A single slice argument is published as one slice-typed message.
// Failures are reported to the error handlers, never returned.
func (b *MessageBus) Publish(messages ...any) {
	b.publisher.PublishN(messages)
}

// PublishAsync resolves the matching handlers and queues the delivery. It
// blocks while the delivery queue is full.
func (b *MessageBus) PublishAsync(messages ...any) {
	b.asyncPublisher.PublishN(messages)
}

// HasPendingMessages reports whether async deliveries are queued or running.
func (b *MessageBus) HasPendingMessages() bool {
	return b.pool.Pending() > 0
}

// Sweep purges subscriptions whose weak listeners were collected and returns
// how many were removed.
func (b *MessageBus) Sweep() int {
	n := b.index.Sweep()
	if n > 0 {
		b.opts.metrics.SetSubscriptions(b.index.Len())
	}
	return n
}

// Start launches the async delivery workers and the periodic sweep, if
// configured. Calling Start again is a no-op.
func (b *MessageBus) Start() {
	b.startOnce.Do(func() {
		b.pool.Start()
		if b.opts.sweepInterval > 0 {
			go b.runSweeper(b.opts.sweepInterval)
		} else {
			close(b.sweepDone)
		}
		log.Info().Int("workers", b.opts.workers).Bool("strong_references_by_default", b.opts.strongByDefault).Msg("message bus started")
	})
}

func (b *MessageBus) runSweeper(interval time.Duration) {
	defer close(b.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Sweep()
		case <-b.stopSweep:
			return
		}
	}
}

// Shutdown delivers the queued async publications, then releases every
// subscription and cached type. The bus must not be used afterwards.
func (b *MessageBus) Shutdown(ctx context.Context) error {
	var errs []error
	b.stopOnce.Do(func() {
		// a bus that never started has no sweeper to wait for
		b.startOnce.Do(func() { close(b.sweepDone) })
		close(b.stopSweep)
		<-b.sweepDone

		if err := b.pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		b.index.Shutdown()
		b.cache.Shutdown()
		b.opts.metrics.SetSubscriptions(0)

		for _, closeFn := range b.opts.closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}
		log.Info().Msg("message bus shut down")
	})
	return errors.Join(errs...)
}

// Package worker delivers resolved subscription batches on a pool of
// processor goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/toolink/msgbus/dispatch"
	"github.com/toolink/msgbus/subscription"
)

var (
	ErrPoolStopped    = errors.New("worker: pool is stopped")
	ErrPoolNotStarted = errors.New("worker: pool is not started")
)

// batch is one publication stage waiting for delivery.
type batch struct {
	subs      []*subscription.Subscription
	args      []any
	onFailure dispatch.FailureFunc
}

// Pool is an asynchronous dispatch.Synchrony. Deliver queues the batch and
// returns; processors invoke the subscriptions later.
type Pool struct {
	opts     poolOptions
	queue    chan batch
	stopChan chan struct{} // aborts Deliver calls blocked on a full queue
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.RWMutex // guards started/running against queue sends and close
	started bool
	running bool

	pending atomic.Int64
}

// NewPool creates a stopped Pool. Call Start before delivering.
func NewPool(opts ...Option) *Pool {
	cfg := defaultPoolOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pool{
		opts:     cfg,
		queue:    make(chan batch, cfg.bufferSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the processors. Calling Start again, or after Shutdown, is a
// no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	select {
	case <-p.stopChan:
		return
	default:
	}
	p.started = true
	p.running = true

	p.wg.Add(p.opts.concurrency)
	for i := 0; i < p.opts.concurrency; i++ {
		go p.runProcessor(i)
	}

	log.Info().Str("mode", p.opts.mode.String()).Int("concurrency", p.opts.concurrency).Int("buffer_size", p.opts.bufferSize).Msg("worker pool started")
}

// Deliver queues subs for invocation with args. It blocks while the queue
// is full and fails once the pool is shutting down.
func (p *Pool) Deliver(subs []*subscription.Subscription, args []any, onFailure dispatch.FailureFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if !p.running {
		return ErrPoolStopped
	}

	p.pending.Add(1)
	p.opts.metrics.Enqueued()
	select {
	case p.queue <- batch{subs: subs, args: args, onFailure: onFailure}:
		return nil
	case <-p.stopChan:
		p.pending.Add(-1)
		p.opts.metrics.Dequeued()
		return ErrPoolStopped
	}
}

// Pending returns the number of batches queued or being delivered.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

func (p *Pool) runProcessor(processorID int) {
	defer p.wg.Done()
	log.Debug().Int("processor_id", processorID).Msg("delivery processor started")

	for b := range p.queue { // exits once Shutdown closes the queue
		p.opts.metrics.Dequeued()
		p.execute(b, processorID)
	}
	log.Debug().Int("processor_id", processorID).Msg("delivery processor finished")
}

func (p *Pool) execute(b batch, processorID int) {
	defer p.pending.Add(-1)
	for _, s := range b.subs {
		p.deliverOne(s, b, processorID)
	}
}

func (p *Pool) deliverOne(s *subscription.Subscription, b batch, processorID int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("processor_id", processorID).Str("subscription_id", s.ID).Interface("panic_value", r).Msg("panic recovered during delivery")
		}
	}()

	if err := s.Publish(b.args...); err != nil && b.onFailure != nil {
		b.onFailure(s, b.args, err)
	}
}

// Shutdown stops accepting batches, delivers the ones already queued and
// waits for the processors until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	alreadyStopped := true
	p.stopOnce.Do(func() {
		alreadyStopped = false
		close(p.stopChan)

		p.mu.Lock()
		p.running = false
		if p.started {
			close(p.queue)
		}
		p.mu.Unlock()
	})
	if alreadyStopped {
		return ErrPoolStopped
	}

	log.Info().Int("pending", p.Pending()).Msg("shutting down worker pool...")

	waitChan := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		log.Info().Msg("worker pool shutdown complete")
		return nil
	case <-ctx.Done():
		log.Error().Err(ctx.Err()).Int("pending", p.Pending()).Msg("worker pool shutdown timed out waiting for processors")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

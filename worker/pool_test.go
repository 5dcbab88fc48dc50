package worker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/msgbus/handler"
	"github.com/toolink/msgbus/hierarchy"
	"github.com/toolink/msgbus/metrics"
	"github.com/toolink/msgbus/subscription"
)

type job struct{ ID int }

var jobType = reflect.TypeOf(job{})

type counter struct {
	seen    atomic.Int32
	release chan struct{}
}

func (c *counter) MessageHandlers() []handler.Definition {
	return []handler.Definition{handler.On("OnJob")}
}

func (c *counter) OnJob(j job) error {
	if c.release != nil {
		<-c.release
	}
	c.seen.Add(1)
	if j.ID < 0 {
		return errors.New("negative job")
	}
	return nil
}

func subscriptionsFor(t *testing.T, listeners ...any) []*subscription.Subscription {
	t.Helper()
	idx := subscription.NewIndex(hierarchy.New(), true)
	r := handler.NewReader()
	for _, l := range listeners {
		ds, err := r.Read(l)
		require.NoError(t, err)
		require.NoError(t, idx.Subscribe(l, ds))
	}
	return idx.SubscriptionsFor(jobType)
}

func TestPool_DeliversAllBatches(t *testing.T) {
	c := &counter{}
	subs := subscriptionsFor(t, c)

	p := NewPool(WithConcurrency(4), WithBufferSize(8))
	p.Start()
	p.Start()

	for i := 0; i < 100; i++ {
		require.NoError(t, p.Deliver(subs, []any{job{ID: i}}, nil))
	}
	require.NoError(t, p.Shutdown(context.Background()))

	assert.EqualValues(t, 100, c.seen.Load())
	assert.Zero(t, p.Pending())
}

func TestPool_ReportsFailures(t *testing.T) {
	c := &counter{}
	subs := subscriptionsFor(t, c)

	var mu sync.Mutex
	var failures []error
	onFailure := func(_ *subscription.Subscription, _ []any, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, err)
	}

	p := NewPool()
	p.Start()
	require.NoError(t, p.Deliver(subs, []any{job{ID: -1}}, onFailure))
	require.NoError(t, p.Deliver(subs, []any{job{ID: 1}}, onFailure))
	require.NoError(t, p.Shutdown(context.Background()))

	require.Len(t, failures, 1)
	assert.EqualError(t, failures[0], "negative job")
}

func TestPool_PendingUntilDelivered(t *testing.T) {
	c := &counter{release: make(chan struct{})}
	subs := subscriptionsFor(t, c)

	p := NewPool()
	p.Start()
	require.NoError(t, p.Deliver(subs, []any{job{}}, nil))
	require.NoError(t, p.Deliver(subs, []any{job{}}, nil))
	assert.Equal(t, 2, p.Pending())

	close(c.release)
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_Lifecycle(t *testing.T) {
	subs := subscriptionsFor(t, &counter{})

	p := NewPool()
	assert.ErrorIs(t, p.Deliver(subs, []any{job{}}, nil), ErrPoolNotStarted)

	p.Start()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Deliver(subs, []any{job{}}, nil), ErrPoolStopped)
	assert.ErrorIs(t, p.Shutdown(context.Background()), ErrPoolStopped)

	// a pool that never started shuts down cleanly
	assert.NoError(t, NewPool().Shutdown(context.Background()))
}

func TestPool_ShutdownTimeout(t *testing.T) {
	c := &counter{release: make(chan struct{})}
	subs := subscriptionsFor(t, c)

	p := NewPool()
	p.Start()
	require.NoError(t, p.Deliver(subs, []any{job{}}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(c.release)
}

func TestPool_RecoversFailureCallbackPanic(t *testing.T) {
	c := &counter{}
	subs := subscriptionsFor(t, c)

	p := NewPool()
	p.Start()
	require.NoError(t, p.Deliver(subs, []any{job{ID: -1}}, func(*subscription.Subscription, []any, error) {
		panic("callback broke")
	}))
	require.NoError(t, p.Deliver(subs, []any{job{ID: 2}}, nil))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.EqualValues(t, 2, c.seen.Load())
	assert.Zero(t, p.Pending())
}

func TestPool_QueueGauge(t *testing.T) {
	c := &counter{release: make(chan struct{})}
	subs := subscriptionsFor(t, c)
	m := metrics.New(prometheus.NewRegistry(), "test")

	p := NewPool(WithMetrics(m))
	p.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Deliver(subs, []any{job{ID: i}}, nil))
	}
	// the first batch has been taken by the processor
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.QueuedBatches) == 2
	}, time.Second, 5*time.Millisecond)

	close(c.release)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Zero(t, testutil.ToFloat64(m.QueuedBatches))
}

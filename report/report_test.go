package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/msgbus/dispatch"
	"github.com/toolink/msgbus/limiter"
)

type fakeRedis struct {
	redis.Cmdable

	mu      sync.Mutex
	lists   map[string][]string
	pushErr error
	trims   int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: make(map[string][]string)}
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		var s string
		switch x := v.(type) {
		case []byte:
			s = string(x)
		case string:
			s = x
		default:
			s = fmt.Sprint(x)
		}
		f.lists[key] = append([]string{s}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LTrim(_ context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trims++
	if l := f.lists[key]; int64(len(l)) > stop+1 {
		f.lists[key] = l[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) LRange(_ context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	end := stop + 1
	if end > int64(len(l)) {
		end = int64(len(l))
	}
	if start >= end {
		return redis.NewStringSliceResult([]string{}, nil)
	}
	return redis.NewStringSliceResult(append([]string(nil), l[start:end]...), nil)
}

type order struct {
	ID    int
	Total float64
}

func sampleError(handler string) *dispatch.PublicationError {
	return &dispatch.PublicationError{
		Message:        "Error during invocation of message handler.",
		Cause:          errors.New("out of stock"),
		Payload:        []any{order{ID: 7, Total: 9.5}},
		SubscriptionID: "sub-1",
		Handler:        handler,
		Time:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRecord(t *testing.T) {
	r := NewRecord(sampleError("*shop.Billing.OnOrder(shop.order)"))
	assert.Equal(t, "out of stock", r.Cause)
	assert.Equal(t, []string{"report.order: {ID:7 Total:9.5}"}, r.Payload)

	data, err := r.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"subscription_id":"sub-1"`)

	back, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, r, back)

	_, err = DecodeRecord([]byte("{not json"))
	assert.Error(t, err)

	noCause := NewRecord(&dispatch.PublicationError{Message: "m"})
	assert.Empty(t, noCause.Cause)
	assert.Empty(t, noCause.Payload)
}

func TestRedisHandler_PushAndTrim(t *testing.T) {
	rdb := newFakeRedis()
	h := NewRedisHandler(rdb, "msgbus:errors", WithListMaxLen(2), WithPushTimeout(time.Second))

	h.HandlePublicationError(sampleError("first"))
	h.HandlePublicationError(sampleError("second"))
	h.HandlePublicationError(sampleError("third"))

	assert.Len(t, rdb.lists["msgbus:errors"], 2)
	assert.Equal(t, 3, rdb.trims)

	recent, err := h.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Handler)
	assert.Equal(t, "second", recent[1].Handler)

	none, err := h.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisHandler_NoTrim(t *testing.T) {
	rdb := newFakeRedis()
	h := NewRedisHandler(rdb, "errs", WithListMaxLen(0))
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Push(context.Background(), sampleError("h")))
	}
	assert.Len(t, rdb.lists["errs"], 5)
	assert.Zero(t, rdb.trims)
}

func TestRedisHandler_Failures(t *testing.T) {
	rdb := newFakeRedis()
	rdb.pushErr = errors.New("connection refused")
	h := NewRedisHandler(rdb, "errs")

	err := h.Push(context.Background(), sampleError("h"))
	assert.EqualError(t, err, "connection refused")
	assert.NotPanics(t, func() { h.HandlePublicationError(sampleError("h")) })

	assert.Error(t, NewRedisHandler(newFakeRedis(), "").Push(context.Background(), sampleError("h")))
}

func TestRedisHandler_SkipsMalformedRecords(t *testing.T) {
	rdb := newFakeRedis()
	rdb.lists["errs"] = []string{"garbage"}
	h := NewRedisHandler(rdb, "errs")
	require.NoError(t, h.Push(context.Background(), sampleError("ok")))

	recent, err := h.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "ok", recent[0].Handler)
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := NewLogHandler(&logger)

	h.HandlePublicationError(sampleError("*shop.Billing.OnOrder(shop.order)"))

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"error":"out of stock"`)
	assert.Contains(t, out, `"subscription_id":"sub-1"`)
	assert.Contains(t, out, `"message":"Error during invocation of message handler."`)

	buf.Reset()
	h.HandlePublicationError(&dispatch.PublicationError{Message: "Invalid messages published.", Cause: dispatch.ErrNilMessage})
	assert.NotContains(t, buf.String(), "subscription_id")
}

type countingHandler struct{ n int }

func (c *countingHandler) HandlePublicationError(*dispatch.PublicationError) { c.n++ }

func TestMulti(t *testing.T) {
	a, b := &countingHandler{}, &countingHandler{}
	m := Multi{a, nil, b}
	m.HandlePublicationError(sampleError("h"))
	m.HandlePublicationError(sampleError("h"))
	assert.Equal(t, 2, a.n)
	assert.Equal(t, 2, b.n)
}

func TestThrottledHandler(t *testing.T) {
	cfg := &limiter.Config{Rate: 2, Period: time.Hour}
	require.NoError(t, cfg.ValidateAndPrepare())
	next := &countingHandler{}
	h := NewThrottledHandler(next, limiter.NewThrottle(cfg, limiter.NewMemoryStore()))

	for i := 0; i < 5; i++ {
		h.HandlePublicationError(sampleError("noisy"))
	}
	assert.Equal(t, 2, next.n)
	assert.Equal(t, int64(3), h.Suppressed())

	h.HandlePublicationError(sampleError("quiet"))
	assert.Equal(t, 3, next.n)
	assert.Zero(t, h.Suppressed())
}

func TestThrottleKey(t *testing.T) {
	err := sampleError("*shop.Billing.OnOrder(shop.order)")
	assert.Equal(t, err.Handler, throttleKey(limiter.LimitByHandler, err))
	assert.Equal(t, "sub-1", throttleKey(limiter.LimitBySubscription, err))
	assert.Equal(t, "[report.order]", throttleKey(limiter.LimitByMessage, err))

	invalid := &dispatch.PublicationError{Message: "Invalid messages published."}
	assert.Equal(t, invalid.Message, throttleKey(limiter.LimitBySubscription, invalid))
}

package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/msgbus/dispatch"
)

type redisOptions struct {
	pushTimeout time.Duration // timeout for LPUSH and LTRIM
	listMaxLen  int64         // approx max list length (uses LTRIM). 0=disabled
}

func defaultRedisOptions() redisOptions {
	return redisOptions{
		pushTimeout: 500 * time.Millisecond,
		listMaxLen:  1000,
	}
}

// RedisOption configures a RedisHandler.
type RedisOption func(*redisOptions)

// WithPushTimeout sets the timeout for writing one record. Defaults to 500ms.
func WithPushTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.pushTimeout = d
		}
	}
}

// WithListMaxLen keeps only the newest maxLen records using LTRIM after every
// push. 0 disables trimming. Defaults to 1000.
func WithListMaxLen(maxLen int64) RedisOption {
	return func(o *redisOptions) {
		if maxLen >= 0 {
			o.listMaxLen = maxLen
		}
	}
}

// RedisHandler pushes publication errors as JSON records onto a Redis list,
// newest first.
type RedisHandler struct {
	rdb  redis.Cmdable
	key  string
	opts redisOptions
}

// NewRedisHandler creates a RedisHandler writing to the list at key.
func NewRedisHandler(rdb redis.Cmdable, key string, opts ...RedisOption) *RedisHandler {
	cfg := defaultRedisOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisHandler{
		rdb:  rdb,
		key:  key,
		opts: cfg,
	}
}

// HandlePublicationError pushes err with the configured timeout. Failures to
// write are logged and the record is dropped.
func (h *RedisHandler) HandlePublicationError(err *dispatch.PublicationError) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.pushTimeout)
	defer cancel()

	if pushErr := h.Push(ctx, err); pushErr != nil {
		if errors.Is(pushErr, context.DeadlineExceeded) || errors.Is(pushErr, context.Canceled) {
			log.Warn().Err(pushErr).Str("key", h.key).Msg("publication error record dropped due to timeout during lpush")
			return
		}
		log.Error().Err(pushErr).Str("key", h.key).Msg("failed to record publication error")
	}
}

// Push serializes err and pushes it onto the list, trimming the list
// afterwards if a maximum length is set.
func (h *RedisHandler) Push(ctx context.Context, err *dispatch.PublicationError) error {
	if h.key == "" {
		return errors.New("report: redis key cannot be empty")
	}

	payload, encErr := NewRecord(err).Encode()
	if encErr != nil {
		return fmt.Errorf("serialization failed: %w", encErr)
	}

	if pushErr := h.rdb.LPush(ctx, h.key, payload).Err(); pushErr != nil {
		return pushErr
	}

	if h.opts.listMaxLen > 0 {
		// LTRIM key 0 maxLen-1 keeps the first maxLen elements, the newest ones
		if trimErr := h.rdb.LTrim(ctx, h.key, 0, h.opts.listMaxLen-1).Err(); trimErr != nil {
			log.Warn().Err(trimErr).Str("key", h.key).Int64("max_len", h.opts.listMaxLen).Msg("failed to trim list after lpush")
		}
	}

	log.Debug().Str("key", h.key).Str("handler", err.Handler).Msg("publication error recorded")
	return nil
}

// Recent reads up to n of the newest records from the list.
func (h *RedisHandler) Recent(ctx context.Context, n int64) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}
	raw, err := h.rdb.LRange(ctx, h.key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		r, decErr := DecodeRecord([]byte(item))
		if decErr != nil {
			log.Warn().Err(decErr).Str("key", h.key).Msg("skipping malformed publication error record")
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

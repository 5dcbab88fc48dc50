package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed limiter.lua
var redisLimiterScript string

var redisScript = redis.NewScript(redisLimiterScript)

const redisKeyPrefix = "msgbus:throttle:"

// redisStore implements Store with a Lua token bucket so that every process
// reporting to the same Redis shares one budget per key.
type redisStore struct {
	client redis.Scripter
}

// NewRedisStore creates a Store backed by client, typically the one the
// Redis error sink writes to.
func NewRedisStore(client redis.Scripter) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Allow(ctx context.Context, key string, rate float64, period time.Duration) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	keys := []string{redisKeyPrefix + key}
	args := []any{
		rate,                    // ARGV[1]: max tokens
		rate / period.Seconds(), // ARGV[2]: tokens per second
		now,                     // ARGV[3]: current timestamp
		1.0,                     // ARGV[4]: cost
	}

	result, err := redisScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return false, fmt.Errorf("redis throttle script failed for key %s: %w", key, err)
	}
	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from redis throttle script for key %s: %T", key, result)
	}
	return allowed == 1, nil
}

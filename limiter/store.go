package limiter

import (
	"context"
	"time"
)

// Store keeps token bucket state per key.
type Store interface {
	// Allow takes one token from the bucket at key, which holds at most rate
	// tokens and refills rate tokens every period. It must update the state
	// atomically.
	Allow(ctx context.Context, key string, rate float64, period time.Duration) (bool, error)
}

// bucket is the state of one key in the memory store.
type bucket struct {
	tokens    float64
	lastCheck time.Time
}

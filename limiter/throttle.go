// Package limiter throttles repeated reports with token buckets kept in
// memory or in Redis.
package limiter

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Throttle applies one token bucket rule to arbitrary keys.
type Throttle struct {
	config *Config
	store  Store
}

// NewThrottle creates a Throttle. cfg must have passed ValidateAndPrepare.
func NewThrottle(cfg *Config, store Store) *Throttle {
	return &Throttle{
		config: cfg,
		store:  store,
	}
}

// LimitBy returns what the caller should derive keys from.
func (t *Throttle) LimitBy() string {
	return t.config.LimitBy
}

// Allow reports whether another report for key fits the budget. Store
// failures allow the report, so nothing is lost while the store is down.
func (t *Throttle) Allow(ctx context.Context, key string) bool {
	allowed, err := t.store.Allow(ctx, t.config.LimitBy+"|"+key, t.config.Rate, t.config.Period)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("storage_type", t.config.StorageType).Msg("throttle check failed, allowing report")
		return true
	}
	if !allowed {
		log.Debug().Str("key", key).Str("limit_by", t.config.LimitBy).Msg("report throttled")
	}
	return allowed
}

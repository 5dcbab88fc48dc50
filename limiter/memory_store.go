package limiter

import (
	"context"
	"sync"
	"time"
)

// memoryStore implements Store with an in-process map.
type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]bucket
	now     func() time.Time
}

// NewMemoryStore creates a Store local to this process.
func NewMemoryStore() Store {
	return &memoryStore{
		buckets: make(map[string]bucket),
		now:     time.Now,
	}
}

func (s *memoryStore) Allow(_ context.Context, key string, rate float64, period time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, exists := s.buckets[key]
	if !exists {
		// a new bucket starts full and pays for this call
		s.buckets[key] = bucket{tokens: rate - 1, lastCheck: now}
		return rate >= 1, nil
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * rate / period.Seconds()
	if b.tokens > rate {
		b.tokens = rate
	}
	b.lastCheck = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	s.buckets[key] = b
	return allowed, nil
}

package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore backs the sliding-window limiter. Incr bumps the counter
// for the given window bucket and returns the current and previous
// bucket values so callers can interpolate across the window edge.
type CounterStore interface {
	Incr(ctx context.Context, key string, bucket int64, window time.Duration) (cur, prev int64, err error)
}

// RedisCounterStore keeps window buckets as short-lived Redis keys so
// limits hold across gateway replicas.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (s *RedisCounterStore) bucketKey(key string, bucket int64) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, key, bucket)
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, bucket int64, window time.Duration) (int64, int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, s.bucketKey(key, bucket))
	pipe.Expire(ctx, s.bucketKey(key, bucket), 2*window)
	prevGet := pipe.Get(ctx, s.bucketKey(key, bucket-1))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}

	prev, err := prevGet.Int64()
	if err != nil && err != redis.Nil {
		return 0, 0, err
	}
	return incr.Val(), prev, nil
}

// MemoryCounterStore is the in-process fallback used in tests and
// single-instance deployments.
type MemoryCounterStore struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int64
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{buckets: make(map[string]map[int64]int64)}
}

func (s *MemoryCounterStore) Incr(ctx context.Context, key string, bucket int64, window time.Duration) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kb, ok := s.buckets[key]
	if !ok {
		kb = make(map[int64]int64)
		s.buckets[key] = kb
	}
	kb[bucket]++

	// Drop buckets that can no longer influence the window.
	for b := range kb {
		if b < bucket-1 {
			delete(kb, b)
		}
	}

	return kb[bucket], kb[bucket-1], nil
}

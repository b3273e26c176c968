package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"tailscale.com/tstime"
)

// Counter increments fixed-window buckets. Incr returns the count after the
// increment; the bucket must expire once window has passed.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type bucket struct {
	count   int64
	expires time.Time
}

// MemoryCounter keeps buckets in a map. Expired buckets are ignored on read
// and removed by Sweep.
type MemoryCounter struct {
	clock   tstime.Clock
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryCounter creates a counter using clock.
func NewMemoryCounter(clock tstime.Clock) *MemoryCounter {
	return &MemoryCounter{
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || !now.Before(b.expires) {
		b = &bucket{expires: now.Add(window)}
		m.buckets[key] = b
	}
	b.count++
	return b.count, nil
}

// Sweep drops expired buckets and returns how many were removed.
func (m *MemoryCounter) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	keys := make([]string, 0, len(m.buckets))
	for k := range m.buckets {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	removed := 0
	for _, k := range keys {
		m.mu.Lock()
		if b, ok := m.buckets[k]; ok && !now.Before(b.expires) {
			delete(m.buckets, k)
			removed++
		}
		m.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (m *MemoryCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// RedisCounter shares buckets across service instances.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}

	return client, nil
}

// NewRedisCounter stores buckets under prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	full := r.prefix + key

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.PExpire(ctx, full, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", full, err)
	}
	return incr.Val(), nil
}

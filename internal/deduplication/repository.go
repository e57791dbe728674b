package deduplication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Repository records keys for a limited time. SetNX reports whether the key
// was new.
type Repository interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

type RedisRepository struct {
	client *redis.Client
}

func NewRepository(client *redis.Client) Repository {
	return &RedisRepository{client: client}
}

func (r *RedisRepository) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	success, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return success, nil
}

const sweepEvery = 1024

// MemoryRepository keeps keys in process memory. Expired keys are swept
// every sweepEvery writes.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string]time.Time
	writes  int
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (r *MemoryRepository) SetNX(ctx context.Context, key string, _ interface{}, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.writes++
	if r.writes%sweepEvery == 0 {
		r.sweepLocked(now)
	}

	if expires, ok := r.entries[key]; ok && now.Before(expires) {
		return false, nil
	}
	r.entries[key] = now.Add(ttl)
	return true, nil
}

func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *MemoryRepository) sweepLocked(now time.Time) {
	for key, expires := range r.entries {
		if !now.Before(expires) {
			delete(r.entries, key)
		}
	}
}

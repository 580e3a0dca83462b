package schedule

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scheduler is a durable "run this record's expiry at time T" store. Entries
// survive process restarts; the worker polls for due ids.
type Scheduler interface {
	Schedule(ctx context.Context, id string, due time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	Remove(ctx context.Context, id string) error
}

// InMemory is a minimal map-backed scheduler for dev/testing.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewInMemory creates an empty in-memory scheduler.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]time.Time)}
}

// Schedule records or replaces an entry.
func (s *InMemory) Schedule(_ context.Context, id string, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = due
	return nil
}

// Due returns up to limit ids whose due time has passed.
func (s *InMemory) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, due := range s.entries {
		if !due.After(now) {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Remove drops an entry.
func (s *InMemory) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// RedisScheduler keeps entries in a sorted set scored by due unix time.
type RedisScheduler struct {
	client *redis.Client
	key    string
}

// NewRedisScheduler builds a scheduler over ZADD/ZRANGEBYSCORE.
func NewRedisScheduler(client *redis.Client, key string) *RedisScheduler {
	if key == "" {
		key = "childsecurity:photo_expiry"
	}
	return &RedisScheduler{client: client, key: key}
}

// Schedule records or replaces an entry.
func (s *RedisScheduler) Schedule(ctx context.Context, id string, due time.Time) error {
	return s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(due.Unix()), Member: id}).Err()
}

// Due returns up to limit ids whose due time has passed.
func (s *RedisScheduler) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	return s.client.ZRangeByScore(ctx, s.key, opt).Result()
}

// Remove drops an entry.
func (s *RedisScheduler) Remove(ctx context.Context, id string) error {
	return s.client.ZRem(ctx, s.key, id).Err()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client the shared cache needs.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCache shares JSON-encoded entries across service replicas. Redis expires
// keys itself, so a hit is always within the TTL.
type RedisCache[V any] struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache[V any](client RedisClient, prefix string, ttl time.Duration) *RedisCache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache[V]{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache[V]) key(k string) string {
	return fmt.Sprintf("%s:%s", c.prefix, k)
}

type redisEntry[V any] struct {
	Data      V         `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Get returns the value under key with the time it was originally fetched.
func (c *RedisCache[V]) Get(ctx context.Context, key string) (V, time.Time, bool, error) {
	var zero V
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, time.Time{}, false, nil
	}
	if err != nil {
		return zero, time.Time{}, false, fmt.Errorf("redis get: %w", err)
	}

	var entry redisEntry[V]
	if err := json.Unmarshal(raw, &entry); err != nil {
		return zero, time.Time{}, false, fmt.Errorf("decode cached value: %w", err)
	}
	return entry.Data, entry.FetchedAt, true, nil
}

// Set stores value fetched at fetchedAt. Redis expires it one TTL after the write.
func (c *RedisCache[V]) Set(ctx context.Context, key string, value V, fetchedAt time.Time) error {
	raw, err := json.Marshal(redisEntry[V]{Data: value, FetchedAt: fetchedAt.UTC()})
	if err != nil {
		return fmt.Errorf("encode cached value: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// InvalidateAll deletes every key under the cache prefix.
func (c *RedisCache[V]) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+":*", 500).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Redis-backed hint cache for deployments that run several
// forwarder replicas. Redis handles expiry itself, so there is no sweep.
// Errors degrade to cache misses: the store probe and unique index remain
// the authority.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a RedisCache against the given address.
func NewRedisCache(addr string, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		logger: logger.With("component", "dedup_redis"),
	}
}

// NewRedisCacheWithClient wraps an existing client, mainly for tests.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: slog.Default()}
}

func (c *RedisCache) redisKey(key string) string {
	return "forwarder:dedup:" + key
}

// Seen reports whether key is present and unexpired.
func (c *RedisCache) Seen(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, c.redisKey(key)).Result()
	if err != nil {
		c.logger.WarnContext(ctx, "redis lookup failed", "error", err)
		return false
	}
	return n > 0
}

// Mark records key with the cache TTL. SetNX keeps the original observation
// time on concurrent marks.
func (c *RedisCache) Mark(ctx context.Context, key string) {
	if err := c.client.SetNX(ctx, c.redisKey(key), 1, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "redis mark failed", "error", err)
	}
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

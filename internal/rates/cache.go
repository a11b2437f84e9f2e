package rates

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKey = "rates:v1:latest"

// RedisCache keeps the most recent table in Redis so every request does not
// hit the upstream quota.
type RedisCache struct {
	source Source
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache wraps source. A nil cache disables caching.
func NewRedisCache(source Source, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{source: source, cache: cache, ttl: ttl, logger: logger}
}

// Latest implements Source.
func (c *RedisCache) Latest(ctx context.Context) (Table, error) {
	if c.cache == nil {
		return c.source.Latest(ctx)
	}

	raw, err := c.cache.Get(ctx, cacheKey).Bytes()
	switch {
	case err == nil:
		var table Table
		if err := json.Unmarshal(raw, &table); err == nil {
			return table, nil
		}
		c.logger.Warn("discarding undecodable cached rates", slog.Any("error", err))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("rate cache lookup failed", slog.Any("error", err))
	}

	table, err := c.source.Latest(ctx)
	if err != nil {
		return Table{}, err
	}
	if payload, err := json.Marshal(table); err == nil {
		if err := c.cache.Set(ctx, cacheKey, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("rate cache store failed", slog.Any("error", err))
		}
	}
	return table, nil
}

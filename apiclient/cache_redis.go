package apiclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/modhost/internal/jsoncodec"
	"github.com/redis/go-redis/v9"
)

const redisScanCount = 100

// RedisCache implements CacheEngine on a Redis server so that several
// dashboard processes share one response cache. Entries are stored as JSON
// under "<prefix><key>" with the entry TTL as the Redis expiry.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps an existing Redis client. The prefix scopes Flush to
// the keys written by this engine.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
	}
}

// NewRedisCacheFromURL dials Redis from a redis:// URL.
func NewRedisCacheFromURL(rawURL, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisCache(redis.NewClient(opts), prefix), nil
}

// Get retrieves an entry from Redis
func (c *RedisCache) Get(ctx context.Context, key string) (CacheEntry, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, ErrCacheMiss
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := jsoncodec.Unmarshal(raw, &entry); err != nil {
		return CacheEntry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, nil
}

// Set stores an entry in Redis with the entry TTL as expiry
func (c *RedisCache) Set(ctx context.Context, key string, entry CacheEntry) error {
	raw, err := jsoncodec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, entry.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Flush deletes every key under the engine prefix
func (c *RedisCache) Flush(ctx context.Context) error {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

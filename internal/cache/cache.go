// Package cache is a short-TTL JSON key/value cache over Redis, shared
// with rate limiting on the same connection. Cache failures never fail a
// request: a broken cache reads as a miss and writes are dropped.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"lorebase/internal/config"
)

// Cache wraps the Redis client with the configured key prefix and TTLs.
type Cache struct {
	client  redis.UniversalClient
	cfg     config.CacheConfig
	enabled bool
}

// New builds the cache on an existing Redis client. A nil client yields a
// disabled cache where every read misses.
func New(client redis.UniversalClient, cfg config.CacheConfig) *Cache {
	return &Cache{client: client, cfg: cfg, enabled: cfg.Enabled && client != nil}
}

func (c *Cache) key(name string) string {
	return c.cfg.KeyPrefix + name
}

// Get unmarshals a cached value into dst. Returns false on miss, disabled
// cache, or any error.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if !c.enabled {
		return false
	}
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("cache_get_error")
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_unmarshal_error")
		return false
	}
	return true
}

// Set marshals and stores a value. Zero ttl uses the list TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.cfg.TTLList
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_marshal_error")
		return
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_set_error")
	}
}

// Delete removes one key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if !c.enabled {
		return
	}
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_delete_error")
	}
}

// DeleteByPrefix scan-deletes every key under the given prefix (e.g. all
// list pages for one user). Returns how many keys were removed.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) int {
	if !c.enabled {
		return 0
	}
	count := 0
	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Debug().Err(err).Str("key", iter.Val()).Msg("cache_prefix_delete_error")
			continue
		}
		count++
	}
	if err := iter.Err(); err != nil {
		log.Debug().Err(err).Str("prefix", prefix).Msg("cache_scan_error")
	}
	return count
}

// TTLStats and friends surface configured TTLs to callers.
func (c *Cache) TTLStats() time.Duration  { return c.cfg.TTLStats }
func (c *Cache) TTLList() time.Duration   { return c.cfg.TTLList }
func (c *Cache) TTLConv() time.Duration   { return c.cfg.TTLConv }
func (c *Cache) TTLDetail() time.Duration { return c.cfg.TTLDetail }

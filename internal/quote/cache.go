package quote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKey = "quotes:BTCBRL:current"

// RedisCache stores the current quote in Redis under a short TTL, shared by
// every acceptor and worker.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a Redis-backed quote cache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Get implements Cache. Expired or unparseable values count as a miss.
func (c *RedisCache) Get(ctx context.Context) (*Quote, error) {
	raw, err := c.rdb.Get(ctx, cacheKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, nil
	}
	return &q, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, q Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKey, data, c.ttl).Err()
}

// MemoryCache is an in-process quote cache for development and tests.
type MemoryCache struct {
	mu        sync.Mutex
	value     *Quote
	expiresAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewMemoryCache creates an in-memory cache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context) (*Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil || c.now().After(c.expiresAt) {
		return nil, nil
	}
	q := *c.value
	return &q, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, q Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = &q
	c.expiresAt = c.now().Add(c.ttl)
	return nil
}

package decoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache interface for storing and retrieving values
type Cache interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key string, value string, expiration time.Duration) error
}

// MemoryCache implements an in-memory cache with TTL
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	now   func() time.Time
}

type cacheItem struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]*cacheItem),
		now:   time.Now,
	}
}

// GetString retrieves a value from memory cache
func (c *MemoryCache) GetString(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur == item {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return item.value, nil
}

// SetString stores a value in memory cache with specified TTL
func (c *MemoryCache) SetString(ctx context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		value:     value,
		expiresAt: c.now().Add(expiration),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// RedisAdapter implements Cache on top of a Redis client
type RedisAdapter struct {
	client RedisClient
}

// NewRedisAdapter creates a new Redis adapter
func NewRedisAdapter(client RedisClient) *RedisAdapter {
	return &RedisAdapter{
		client: client,
	}
}

// GetString returns the stored value, or ErrCacheMiss when the key is absent
func (c *RedisAdapter) GetString(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return val, err
}

// SetString stores a value with the given TTL
func (c *RedisAdapter) SetString(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Close closes the Redis connection
func (c *RedisAdapter) Close() error {
	return c.client.Close()
}

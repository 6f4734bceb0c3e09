package decoder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Cache implementations for absent or expired keys
var ErrCacheMiss = errors.New("cache miss")

// RedisClient is an interface for Redis operations
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// getRedisKey constructs a Redis key for various types
func getRedisKey(keyType string, parts ...string) string {
	return fmt.Sprintf("%s:%s", keyType, strings.Join(parts, ":"))
}

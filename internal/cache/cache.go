// Package cache holds the shared Redis connection and the fixed-window
// counter used for submission rate limiting.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a fixed-window request counter.
// Implementations must be safe for concurrent use.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// Connect opens a Redis client from a redis:// URL and verifies it with PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisCounter implements Counter using go-redis/v9.
type RedisCounter struct {
	client redis.UniversalClient
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// incrFirstExpiry arms the TTL only on the hit that creates the key, so the
// window is anchored at its first request.
var incrFirstExpiry = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// IncrWithExpiry increments key and returns the new count. The expiry is set
// when the key is created and left alone by later increments.
func (c *RedisCounter) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return incrFirstExpiry.Run(ctx, c.client, []string{key}, expiry.Milliseconds()).Int64()
}

var _ Counter = (*RedisCounter)(nil)

package ratelimiter

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisCallTimeout = 500 * time.Millisecond

// RedisCache shares bucket state between instances behind a load balancer.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(key string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrCacheMiss
	}
	return val, err
}

func (c *RedisCache) SetWithExpiration(key string, value int64, expiration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()

	return c.client.Set(ctx, c.prefix+key, value, expiration).Err()
}

// Close leaves the shared client open; its owner closes it.
func (c *RedisCache) Close() error {
	return nil
}

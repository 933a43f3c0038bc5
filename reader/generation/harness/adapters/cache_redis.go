package adapters

import (
	"context"
	"errors"
	"time"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on a shared redis instance so lookups survive restarts
// and are shared between processes.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisClient creates a client with short dial timeouts.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})
}

// NewRedisCache wraps client; every key is stored under prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns false on a miss or any redis error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	err := c.client.Del(ctx, c.prefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ ports.Cache = (*RedisCache)(nil)

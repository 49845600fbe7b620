package chunkstream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisCachePrefix = "workout:chunks:"

// RedisCache stores each job's sequence as a JSON array. A positive ttl is
// refreshed on every write, so abandoned jobs expire on their own.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Cache = &RedisCache{}

func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis cache: client is nil")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisCachePrefix
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *RedisCache) redisKey(key string) string { return c.prefix + key }

func (c *RedisCache) Get(ctx context.Context, key string) ([]string, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, errors.New("redis cache: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis cache: get")
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, errors.Wrap(err, "redis cache: decode")
	}
	if out == nil {
		out = []string{}
	}
	return out, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []string) error {
	if c == nil || c.client == nil {
		return errors.New("redis cache: client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("redis cache: key is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if value == nil {
		value = []string{}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "redis cache: encode")
	}
	if err := c.client.Set(ctx, c.redisKey(key), b, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis cache: set")
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if c == nil || c.client == nil {
		return errors.New("redis cache: client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return errors.Wrap(err, "redis cache: delete")
	}
	return nil
}

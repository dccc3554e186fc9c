package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

const counterPrefix = "xt:counter:"

const decrementIfPositive = `
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  v = redis.call('DECR', KEYS[1])
  return {1, v}
end
return {0, v}
`

type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisCounters keeps id sequences and work counters in Redis, shared by
// every engine pointed at the same instance.
type RedisCounters struct {
	client redisClient
}

func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func redisErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return xterr.MarkTransient(xterr.Wrap(xterr.CategoryStore, err, "redis "+op))
}

func (c *RedisCounters) Next(ctx context.Context, key string) (int, error) {
	v, err := c.client.Incr(ctx, counterPrefix+key).Result()
	if err != nil {
		return 0, redisErr(err, "incr")
	}
	return int(v), nil
}

func (c *RedisCounters) Peek(ctx context.Context, key string) (int, error) {
	v, err := c.client.Get(ctx, counterPrefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return 1, nil
	}
	if err != nil {
		return 0, redisErr(err, "get")
	}
	return v + 1, nil
}

func (c *RedisCounters) Reset(ctx context.Context, key string, next int) error {
	return redisErr(c.client.Set(ctx, counterPrefix+key, next-1, 0).Err(), "set")
}

func (c *RedisCounters) Set(ctx context.Context, key string, value int) error {
	return redisErr(c.client.Set(ctx, counterPrefix+key, value, 0).Err(), "set")
}

func (c *RedisCounters) DecrementIfPositive(ctx context.Context, key string) (int, bool, error) {
	vals, err := c.client.Eval(ctx, decrementIfPositive, []string{counterPrefix + key}).Int64Slice()
	if err != nil {
		return 0, false, redisErr(err, "eval")
	}
	if len(vals) != 2 {
		return 0, false, xterr.Internal("unexpected decrement reply %v", vals)
	}
	return int(vals[1]), vals[0] == 1, nil
}

func (c *RedisCounters) Delete(ctx context.Context, key string) error {
	return redisErr(c.client.Del(ctx, counterPrefix+key).Err(), "del")
}

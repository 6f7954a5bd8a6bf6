package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript atomically increments a counter and applies a TTL only on
// the call that creates the key, matching internal/support/leadership.go's
// Lua-scripted compare-and-act style so the day-boundary counter expires
// exactly once per UTC day instead of having its TTL reset on every hit.
var incrScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(v) == tonumber(ARGV[1]) and tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v`)

// RedisCache is a Cache backed by a shared *redis.Client.
type RedisCache struct {
	client *redis.Client
}

// NewRedis wraps an already-connected Redis client (see
// internal/support.GetRedisClient).
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// AtomicSwap is just Set for Redis: SET already replaces the value for
// a key in a single round trip, so there is no read-modify-write race
// for concurrent readers to observe.
func (c *RedisCache) AtomicSwap(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (c *RedisCache) IncrCounter(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := incrScript.Run(ctx, c.client, []string{key}, delta, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	v, ok := res.(int64)
	if !ok {
		return 0, errors.New("cache: unexpected incr script result type")
	}
	return v, nil
}

func (c *RedisCache) Expire(ctx context.Context, key string, at time.Time) error {
	return c.client.ExpireAt(ctx, key, at).Err()
}

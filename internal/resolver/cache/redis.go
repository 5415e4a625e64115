package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"erpsplit/internal/domain"
)

// Entries live in a hash {v: version, d: entity JSON}; the version floor is a
// separate string key. Both scripts compare versions server-side so the
// check and write cannot interleave with an invalidation.
var (
	putScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
local v = tonumber(ARGV[1])
if v < floor then return 0 end
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > v then return 0 end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	invalidateScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
local v = tonumber(ARGV[1])
if v > floor then redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2]) end
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) < v then redis.call('DEL', KEYS[1]) end
return 1
`)
)

const defaultPrefix = "erpsplit:ref"

// Redis is a cache shared by every reader process.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultPrefix, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Get(ctx context.Context, key domain.Key) (domain.Entity, bool, error) {
	raw, err := r.client.HGet(ctx, r.entryKey(key), "d").Result()
	if errors.Is(err, redis.Nil) {
		return domain.Entity{}, false, nil
	}
	if err != nil {
		return domain.Entity{}, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	var e domain.Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return domain.Entity{}, false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return e, true, nil
}

func (r *Redis) Put(ctx context.Context, entity domain.Entity) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entity.Key(), err)
	}
	key := entity.Key()
	err = putScript.Run(ctx, r.client,
		[]string{r.entryKey(key), r.floorKey(key)},
		entity.Version, payload, r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, key domain.Key, version int64) error {
	err := invalidateScript.Run(ctx, r.client,
		[]string{r.entryKey(key), r.floorKey(key)},
		version, r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

func (r *Redis) entryKey(k domain.Key) string { return r.prefix + ":e:" + k.String() }
func (r *Redis) floorKey(k domain.Key) string { return r.prefix + ":f:" + k.String() }

package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

// deleteIfOwnedScript removes a lock whose stored lock_id matches ARGV[1]
// and returns the removed value, or false.
var deleteIfOwnedScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return false
end

local lock = cjson.decode(current)
if lock['lock_id'] ~= ARGV[1] then
	return false
end

redis.call('DEL', KEYS[1])
return current
`)

var extendIfOwnedScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end

local lock = cjson.decode(current)
if lock['lock_id'] ~= ARGV[1] then
	return 0
end

redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// incrementIfExistsScript credits an existing counter. An expired counter is
// left absent so the next reader reloads it from the database.
var incrementIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end

redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

type RedisAdapter struct {
	client redis.UniversalClient
}

func NewRedisAdapter(client redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) CreateLock(ctx context.Context, key string, lock domain.InventoryLock, ttl time.Duration) (bool, error) {
	value, err := json.Marshal(lock)
	if err != nil {
		return false, errors.Wrap(err, "marshal lock")
	}

	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "setnx %s", key)
	}
	return ok, nil
}

func (r *RedisAdapter) DeleteLockIfOwned(ctx context.Context, key, lockID string) (*domain.InventoryLock, error) {
	value, err := deleteIfOwnedScript.Run(ctx, r.client, []string{key}, lockID).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "delete lock %s", key)
	}

	var lock domain.InventoryLock
	if err := json.Unmarshal([]byte(value), &lock); err != nil {
		return nil, errors.Wrapf(err, "decode lock %s", key)
	}
	return &lock, nil
}

func (r *RedisAdapter) GetLock(ctx context.Context, key string) (*domain.InventoryLock, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get lock %s", key)
	}

	var lock domain.InventoryLock
	if err := json.Unmarshal(value, &lock); err != nil {
		return nil, errors.Wrapf(err, "decode lock %s", key)
	}
	return &lock, nil
}

func (r *RedisAdapter) ExtendLockIfOwned(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	result, err := extendIfOwnedScript.Run(ctx, r.client, []string{key}, lockID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "extend lock %s", key)
	}
	return result == 1, nil
}

func (r *RedisAdapter) GetCounter(ctx context.Context, key string) (int, bool, error) {
	value, err := r.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "get %s", key)
	}
	return value, true, nil
}

func (r *RedisAdapter) SetCounter(ctx context.Context, key string, value int, ttl time.Duration) error {
	return errors.Wrapf(r.client.Set(ctx, key, value, ttl).Err(), "set %s", key)
}

func (r *RedisAdapter) IncrementCounterIfExists(ctx context.Context, key string, delta int, ttl time.Duration) (bool, error) {
	result, err := incrementIfExistsScript.Run(ctx, r.client, []string{key}, delta, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "increment %s", key)
	}
	return result == 1, nil
}

func (r *RedisAdapter) ExpireCounter(ctx context.Context, key string, ttl time.Duration) error {
	return errors.Wrapf(r.client.PExpire(ctx, key, ttl).Err(), "expire %s", key)
}

func (r *RedisAdapter) DeleteCounter(ctx context.Context, key string) error {
	return errors.Wrapf(r.client.Del(ctx, key).Err(), "del %s", key)
}

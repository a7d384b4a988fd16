package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// hitScript prunes, counts and conditionally records in one round trip.
// Scores are unix milliseconds. The key expires after two windows of
// inactivity, which is Redis doing the lazy GC for us.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local record = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local admitted = 0
if record == 1 and count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window * 2)
	admitted = 1
end

local oldest = -1
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end

return {count, admitted, oldest}
`)

var sweepScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZCARD', KEYS[1])
`)

// RedisStore keeps windows as sorted sets so several gateway instances
// enforce one shared limit.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are written under prefix + ":".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "promptgate:ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + ":" + key
}

// Hit implements WindowStore.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int, record bool) (Usage, error) {
	flag := 0
	if record {
		flag = 1
	}
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	res, err := hitScript.Run(ctx, s.client, []string{s.redisKey(key)},
		nowMs, window.Milliseconds(), max, flag, member).Slice()
	if err != nil {
		return Usage{}, err
	}
	if len(res) < 3 {
		return Usage{}, fmt.Errorf("unexpected script result: %v", res)
	}

	count, ok1 := res[0].(int64)
	admitted, ok2 := res[1].(int64)
	oldest, ok3 := res[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Usage{}, fmt.Errorf("unexpected script result types: %v", res)
	}

	u := Usage{Count: int(count), Admitted: admitted == 1}
	if oldest >= 0 {
		u.Oldest = time.UnixMilli(oldest).UTC()
	}
	return u, nil
}

// Delete implements WindowStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// Sweep implements WindowStore. Redis drops empty sorted sets by itself, so a
// window counts as removed once its cardinality reaches zero.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time, horizon func(key string) time.Duration) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		cutoff := now.Add(-horizon(k)).UnixMilli()
		left, err := sweepScript.Run(ctx, s.client, []string{s.redisKey(k)}, cutoff).Int64()
		if err != nil {
			return removed, err
		}
		if left == 0 {
			removed++
		}
	}
	return removed, nil
}

// Keys implements WindowStore.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

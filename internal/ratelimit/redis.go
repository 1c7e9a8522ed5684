package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slideScript runs the whole sliding-window decision in one round trip.
// Scores are unix nanoseconds; members carry a random suffix so two requests
// landing in the same nanosecond still count as two entries. Replies are
// {flag, count, extra}: flag 1 admits (extra unused), flag 0 denies (extra is
// the oldest live score) and flag -1 reports an active penalty (extra is the
// remaining penalty in milliseconds).
var slideScript = redis.NewScript(`
local key = KEYS[1]
local block = KEYS[2]
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local block_ms = tonumber(ARGV[5])

local block_ttl = redis.call('PTTL', block)
if block_ttl > 0 then
    return {-1, 0, block_ttl}
end

-- Drop entries that slid out of the window
redis.call('ZREMRANGEBYSCORE', key, 0, now - period)

local count = redis.call('ZCARD', key)
if count >= limit then
    local oldest_score = 0
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if oldest[2] then
        oldest_score = tonumber(oldest[2])
    end
    if block_ms > 0 then
        redis.call('SET', block, '1', 'PX', block_ms)
    end
    return {0, count, oldest_score}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(period / 1000000))
return {1, count + 1, 0}
`)

// bumpScript is the coarse fixed-window counter used by realtime event
// quotas. The first increment of a window arms the expiry.
var bumpScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisStore is the production Store. All nodes share its counts, and the Lua
// scripts keep each check atomic under concurrent traffic.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewClient dials Redis and verifies the connection before handing it out.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) Slide(ctx context.Context, key Key, now time.Time, period time.Duration, limit int64, blockFor time.Duration) (SlideResult, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	raw, err := slideScript.Run(ctx, s.client,
		[]string{string(key), string(blockKey(key))},
		now.UnixNano(), period.Nanoseconds(), limit, member, blockFor.Milliseconds(),
	).Result()
	if err != nil {
		return SlideResult{}, fmt.Errorf("run sliding window script: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return SlideResult{}, fmt.Errorf("unexpected sliding window reply: %v", raw)
	}
	flag, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	extra, _ := vals[2].(int64)

	switch flag {
	case 1:
		return SlideResult{Allowed: true, Count: count}, nil
	case 0:
		return SlideResult{Count: count, Oldest: extra}, nil
	case -1:
		return SlideResult{Blocked: true, BlockTTL: time.Duration(extra) * time.Millisecond}, nil
	default:
		return SlideResult{}, fmt.Errorf("unexpected sliding window flag %d", flag)
	}
}

func (s *RedisStore) Bump(ctx context.Context, key Key, now time.Time, period time.Duration) (int64, time.Duration, error) {
	raw, err := bumpScript.Run(ctx, s.client, []string{string(key)}, period.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("run counter script: %w", err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected counter reply: %v", raw)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (s *RedisStore) Peek(ctx context.Context, key Key, now time.Time, period time.Duration, sliding bool) (SlideResult, error) {
	if sliding {
		return s.peekWindow(ctx, key, now, period)
	}
	return s.peekCounter(ctx, key, now, period)
}

func (s *RedisStore) peekWindow(ctx context.Context, key Key, now time.Time, period time.Duration) (SlideResult, error) {
	min := "(" + strconv.FormatInt(now.UnixNano()-period.Nanoseconds(), 10)

	pipe := s.client.TxPipeline()
	blockTTL := pipe.PTTL(ctx, string(blockKey(key)))
	count := pipe.ZCount(ctx, string(key), min, "+inf")
	oldest := pipe.ZRangeByScoreWithScores(ctx, string(key), &redis.ZRangeBy{Min: min, Max: "+inf", Offset: 0, Count: 1})
	if _, err := pipe.Exec(ctx); err != nil {
		return SlideResult{}, fmt.Errorf("peek window: %w", err)
	}

	res := SlideResult{Count: count.Val()}
	if ttl := blockTTL.Val(); ttl > 0 {
		res.Blocked = true
		res.BlockTTL = ttl
	}
	if entries := oldest.Val(); len(entries) > 0 {
		res.Oldest = int64(entries[0].Score)
	}
	return res, nil
}

func (s *RedisStore) peekCounter(ctx context.Context, key Key, now time.Time, period time.Duration) (SlideResult, error) {
	pipe := s.client.TxPipeline()
	val := pipe.Get(ctx, string(key))
	ttl := pipe.PTTL(ctx, string(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return SlideResult{}, fmt.Errorf("peek counter: %w", err)
	}

	res := SlideResult{}
	if count, err := val.Int64(); err == nil {
		res.Count = count
	}
	if d := ttl.Val(); d > 0 {
		// A counter resets all at once, so report the window as if every
		// entry landed at its start.
		res.Oldest = now.Add(d).Add(-period).UnixNano()
	}
	return res, nil
}

func (s *RedisStore) Reset(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, string(key), string(blockKey(key))).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}

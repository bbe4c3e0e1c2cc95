package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Each (bucket, key) pair gets capacity = limit tokens refilled at
// limit per window.
type TokenBucket struct {
	client *redis.Client
	rules  Rules
	prefix string
	now    func() time.Time
}

// NewTokenBucket constructs a limiter enforcing rules.
func NewTokenBucket(client *redis.Client, rules Rules) *TokenBucket {
	return &TokenBucket{
		client: client,
		rules:  rules,
		prefix: "rl:",
		now:    time.Now,
	}
}

// Allow consumes a single token for key in bucket if available.
func (b *TokenBucket) Allow(ctx context.Context, key string, bucket Bucket) (Decision, error) {
	rate, err := b.rules.lookup(bucket)
	if err != nil {
		return Decision{}, err
	}
	redisKey := fmt.Sprintf("%s%s:%s", b.prefix, bucket, key)
	ttl := 2 * rate.Window
	res, err := bucketScript.Run(ctx, b.client, []string{redisKey},
		rate.Limit, refillPerSecond(rate), b.now().UnixMilli(), ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected reply from rate limit script: %v", res)
	}
	allowed, _ := arr[0].(int64)
	waitMS, _ := arr[1].(int64)
	return Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(waitMS) * time.Millisecond,
	}, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, wait}
`)

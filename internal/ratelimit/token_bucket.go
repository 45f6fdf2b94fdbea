// Package ratelimit throttles outbound API calls per account with a Redis token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces bucket keys for upstream API calls.
const DefaultPrefix = "rl:graph:"

// TokenBucket is a distributed token bucket shared by every process using the same Redis.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*TokenBucket)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(b *TokenBucket) { b.prefix = prefix }
}

// WithClock replaces time.Now. The script takes time from the caller, not from Redis.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
// Idle buckets expire once they would have refilled completely.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		prefix:   DefaultPrefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      time.Minute,
		now:      time.Now,
	}
	if refillPerSecond > 0 {
		if full := time.Duration(float64(capacity) / refillPerSecond * float64(time.Second)); full > b.ttl {
			b.ttl = full
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow consumes a single token for account if available.
// Returns allowed flag and the tokens left.
func (b *TokenBucket) Allow(ctx context.Context, account string) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + account}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", account, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", account, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		fmt.Sscanf(v, "%g", &tokens)
	}
	return allowed == 1, tokens, nil
}

// Redis truncates Lua numbers to integers in replies, so tokens is returned as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)

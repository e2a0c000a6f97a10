package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banyancomputer/banyan-core-sub001/internal/config"
)

// ErrDisabled is returned by Connect when the configuration turns limiting
// off.
var ErrDisabled = errors.New("submission rate limiting disabled")

// TokenBucket limits task submissions per queue with a token bucket shared
// by every API replica through Redis.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Connect dials the Redis server named by cfg and returns a bucket over it
// once the server answers. A zero capacity or empty address yields
// ErrDisabled.
func Connect(ctx context.Context, cfg config.Config, ttl time.Duration) (*TokenBucket, error) {
	if cfg.RateLimitCapacity <= 0 || cfg.RedisAddr == "" {
		return nil, ErrDisabled
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rate limit redis %s: %w", cfg.RedisAddr, err)
	}
	return NewTokenBucket(client, cfg.RedisKeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, ttl), nil
}

// Close releases the Redis client.
func (b *TokenBucket) Close() error {
	return b.client.Close()
}

// AllowSubmission consumes a token from queue's bucket if one is available.
// It returns the allowed flag and the tokens left.
func (b *TokenBucket) AllowSubmission(ctx context.Context, queue string) (bool, float64, error) {
	return b.allow(ctx, b.prefix+"ratelimit:submit:"+queue)
}

func (b *TokenBucket) allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := submitScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, time.Now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected script reply %v", key, res)
	}
	granted, _ := res[0].(int64)
	// Lua numbers lose their fraction when returned as integers, so the
	// remaining balance travels as a string.
	left, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(left, 64)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: parse balance %q: %w", key, left, err)
	}
	return granted == 1, tokens, nil
}

// submitScript refills the bucket for the time elapsed since the last call
// and takes one token when a whole one is available.
// KEYS: bucket hash. ARGV: capacity, refill per second, now ms, ttl ms.
var submitScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'balance', 'updated_ms')
local balance = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now
if now > updated then
  balance = math.min(capacity, balance + (now - updated) * rate / 1000)
end

local granted = 0
if balance >= 1 then
  balance = balance - 1
  granted = 1
end

redis.call('HSET', KEYS[1], 'balance', tostring(balance), 'updated_ms', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {granted, tostring(balance)}
`)

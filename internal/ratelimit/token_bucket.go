// Package ratelimit bounds job submission per caller with a token bucket kept
// in Redis, so the limit holds across coordinator replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a distributed token bucket. Each key refills at refill tokens
// per second up to capacity; a request consumes tokens atomically via a Lua
// script so concurrent callers cannot overdraw.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// New builds a limiter. ttl bounds how long an idle bucket key lingers.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{client: client, capacity: capacity, refill: refillPerSecond, ttl: ttl}
}

// Key namespaces a caller identity into a bucket key.
func Key(caller string) string {
	if caller == "" {
		caller = "default"
	}
	return fmt.Sprintf("rl:%s", caller)
}

// Allow consumes one token for key if available.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, float64, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN consumes cost tokens for key if available. Returns whether the
// request passed and the remaining token count.
func (l *Limiter) AllowN(ctx context.Context, key string, cost int) (bool, float64, error) {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now().UnixMilli()
	res, err := takeScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, cost, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("ratelimit script: unexpected reply %v", res)
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	case string:
		fmt.Sscanf(v, "%f", &remaining)
	}
	return allowed, remaining, nil
}

var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'updated_ms')
local tokens = tonumber(state[1])
local updated = tonumber(state[2])
if tokens == nil then tokens = capacity end
if updated == nil then updated = now_ms end

local elapsed = math.max(0, now_ms - updated)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HMSET', key, 'tokens', tokens, 'updated_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', key, ttl_ms) end
return {allowed, tostring(tokens)}
`)

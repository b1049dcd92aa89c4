package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

var (
	ErrNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidBucket = errors.New("invalid_rate_limit_bucket")
)

// Tokens refill continuously at refill/sec up to capacity. Redis TIME is the
// clock so every API instance agrees on elapsed time.
const refillScript = `
local refill = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(capacity, tokens + ((now - last) / 1000) * refill)
end

local ok = 0
if tokens >= 1 then
  ok = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl_ms)
return {ok, tostring(tokens), now}
`

// Bucket is a redis-backed token bucket shared across API instances.
type Bucket struct {
	client *redis.Client
	script *redis.Script
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	At         time.Time
}

func NewBucket(client *redis.Client) *Bucket {
	if client == nil {
		return nil
	}
	return &Bucket{client: client, script: redis.NewScript(refillScript)}
}

// Take consumes one token from key.
func (b *Bucket) Take(ctx context.Context, key string, refillPerSec float64, capacity int) (Decision, error) {
	if b == nil || b.client == nil {
		return Decision{}, ErrNotConfigured
	}
	if key == "" || refillPerSec <= 0 || capacity <= 0 {
		return Decision{}, ErrInvalidBucket
	}

	ttl := bucketTTL(refillPerSec, capacity)
	res, err := b.script.Run(ctx, b.client, []string{key}, refillPerSec, capacity, ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, ErrInvalidBucket
	}

	allowed := cast.ToInt64(res[0]) == 1
	// tokens come back as a string; a Lua number would be truncated to an int
	remaining := cast.ToFloat64(res[1])
	return Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: waitForToken(allowed, remaining, refillPerSec),
		At:         time.UnixMilli(cast.ToInt64(res[2])).UTC(),
	}, nil
}

func waitForToken(allowed bool, tokens float64, refillPerSec float64) time.Duration {
	if allowed || refillPerSec <= 0 || tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / refillPerSec * float64(time.Second))
}

// bucketTTL keeps idle keys for twice the time a full refill takes.
func bucketTTL(refillPerSec float64, capacity int) time.Duration {
	if refillPerSec <= 0 || capacity <= 0 {
		return time.Second
	}
	return time.Duration(math.Max(1, math.Ceil(2*float64(capacity)/refillPerSec))) * time.Second
}

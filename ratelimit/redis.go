package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding-window record: prune, count, and admit in one atomic step.
const slidingRecordScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count >= limit then
  local reset = now + window
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  if oldest and oldest[2] then
    reset = tonumber(oldest[2]) + window
  end
  return {0, count, reset}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, count + 1, now + window}
`

var slidingRecordLua = redis.NewScript(slidingRecordScript)

// Token bucket check/record. ARGV[4] is the mutate flag: Check runs the same
// refill arithmetic without persisting.
const bucketScript = `
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local mutate = tonumber(ARGV[4])
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[1], "last"))
if not tokens or not last then
  tokens = cap
  last = now
end
local elapsed = (now - last) / 1000.0
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(cap, tokens + elapsed * rate)
local allowed = 0
if tokens >= 1 then
  allowed = 1
  if mutate == 1 then
    tokens = tokens - 1
  end
end
if mutate == 1 then
  redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last", tostring(now))
  redis.call("PEXPIRE", KEYS[1], math.ceil((cap / rate) * 2000))
end
local retry = 0
if allowed == 0 then
  retry = math.ceil(((1 - tokens) / rate) * 1000)
end
return {allowed, tostring(tokens), retry}
`

var bucketLua = redis.NewScript(bucketScript)

// RedisLimiter enforces the per-action policy table against Redis counters.
// The clock is injected so window boundaries are testable.
type RedisLimiter struct {
	redis  redis.UniversalClient
	config Config
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a RedisLimiter. prefix defaults to "brl"; now
// defaults to time.Now.
func NewRedisLimiter(client redis.UniversalClient, cfg Config, prefix string, now func() time.Time) *RedisLimiter {
	if prefix == "" {
		prefix = "brl"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{redis: client, config: cfg, prefix: prefix, now: now}
}

func (l *RedisLimiter) fixedKey(key Key, windowStart time.Time) string {
	return l.prefix + ":fw:" + key.String() + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

func (l *RedisLimiter) slidingKey(key Key) string { return l.prefix + ":sw:" + key.String() }
func (l *RedisLimiter) bucketKey(key Key) string  { return l.prefix + ":tb:" + key.String() }

// Check reports whether a new attempt would be admitted. Never mutates.
func (l *RedisLimiter) Check(ctx context.Context, key Key) (Result, error) {
	p := l.config.PolicyFor(key.Action)
	now := l.now()

	switch p.Strategy {
	case SlidingWindow:
		return l.checkSliding(ctx, key, p, now)
	case TokenBucket:
		return l.bucket(ctx, key, p, now, false)
	default:
		return l.checkFixed(ctx, key, p, now)
	}
}

// Record consumes one attempt and reports the post-consumption state.
func (l *RedisLimiter) Record(ctx context.Context, key Key) (Result, error) {
	p := l.config.PolicyFor(key.Action)
	now := l.now()

	switch p.Strategy {
	case SlidingWindow:
		return l.recordSliding(ctx, key, p, now)
	case TokenBucket:
		return l.bucket(ctx, key, p, now, true)
	default:
		return l.recordFixed(ctx, key, p, now)
	}
}

// Reset clears the key's state, whatever the strategy.
func (l *RedisLimiter) Reset(ctx context.Context, key Key) error {
	p := l.config.PolicyFor(key.Action)
	now := l.now()

	keys := []string{l.slidingKey(key), l.bucketKey(key)}
	if p.Window > 0 {
		keys = append(keys, l.fixedKey(key, now.Truncate(p.Window)))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *RedisLimiter) checkFixed(ctx context.Context, key Key, p Policy, now time.Time) (Result, error) {
	windowStart := now.Truncate(p.Window)
	count, err := l.redis.Get(ctx, l.fixedKey(key, windowStart)).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		count = 0
	}
	return l.fixedResult(p, now, windowStart, int(count)+1), nil
}

func (l *RedisLimiter) recordFixed(ctx context.Context, key Key, p Policy, now time.Time) (Result, error) {
	windowStart := now.Truncate(p.Window)
	k := l.fixedKey(key, windowStart)

	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// TTL only on the first hit; the key name is window-aligned so stale
	// windows never collide with live ones.
	if count == 1 {
		if err := l.redis.Expire(ctx, k, p.Window+time.Second).Err(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return l.fixedResult(p, now, windowStart, int(count)), nil
}

func (l *RedisLimiter) fixedResult(p Policy, now, windowStart time.Time, count int) Result {
	resetAt := windowStart.Add(p.Window)
	res := Result{
		Allowed:   count <= p.Limit,
		Limit:     p.Limit,
		Remaining: remaining(p.Limit, count),
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
		res = applyProgressive(l.config.Progressive, res, count-p.Limit)
	}
	return res
}

func (l *RedisLimiter) checkSliding(ctx context.Context, key Key, p Policy, now time.Time) (Result, error) {
	nowMs := now.UnixMilli()
	minScore := strconv.FormatInt(nowMs-p.Window.Milliseconds(), 10)

	count, err := l.redis.ZCount(ctx, l.slidingKey(key), minScore, "+inf").Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	res := Result{
		Allowed:   int(count) < p.Limit,
		Limit:     p.Limit,
		Remaining: remaining(p.Limit, int(count)),
		ResetAt:   now.Add(p.Window),
	}
	if !res.Allowed {
		oldest, zErr := l.redis.ZRangeWithScores(ctx, l.slidingKey(key), 0, 0).Result()
		if zErr == nil && len(oldest) == 1 {
			res.ResetAt = time.UnixMilli(int64(oldest[0].Score)).Add(p.Window)
		}
		res.RetryAfter = res.ResetAt.Sub(now)
		res = applyProgressive(l.config.Progressive, res, int(count)-p.Limit+1)
	}
	return res, nil
}

func (l *RedisLimiter) recordSliding(ctx context.Context, key Key, p Policy, now time.Time) (Result, error) {
	nowMs := now.UnixMilli()
	raw, err := slidingRecordLua.Run(
		ctx,
		l.redis,
		[]string{l.slidingKey(key)},
		nowMs,
		p.Window.Milliseconds(),
		p.Limit,
		uuid.NewString(),
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := raw.([]interface{})
	if !ok || len(parts) != 3 {
		return Result{}, fmt.Errorf("%w: invalid sliding script response", ErrUnavailable)
	}
	allowed := parts[0].(int64) == 1
	count := int(parts[1].(int64))
	resetMs := parts[2].(int64)

	res := Result{
		Allowed:   allowed,
		Limit:     p.Limit,
		Remaining: remaining(p.Limit, count),
		ResetAt:   time.UnixMilli(resetMs),
	}
	if !allowed {
		res.RetryAfter = res.ResetAt.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
		res = applyProgressive(l.config.Progressive, res, count-p.Limit+1)
	}
	return res, nil
}

func (l *RedisLimiter) bucket(ctx context.Context, key Key, p Policy, now time.Time, mutate bool) (Result, error) {
	mutateFlag := 0
	if mutate {
		mutateFlag = 1
	}
	raw, err := bucketLua.Run(
		ctx,
		l.redis,
		[]string{l.bucketKey(key)},
		now.UnixMilli(),
		p.Capacity,
		p.RefillRate,
		mutateFlag,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := raw.([]interface{})
	if !ok || len(parts) != 3 {
		return Result{}, fmt.Errorf("%w: invalid bucket script response", ErrUnavailable)
	}
	allowed := parts[0].(int64) == 1
	tokens, _ := strconv.ParseFloat(fmt.Sprint(parts[1]), 64)
	retryMs := parts[2].(int64)

	res := Result{
		Allowed:   allowed,
		Limit:     p.Capacity,
		Remaining: int(tokens),
		ResetAt:   now.Add(timeToFull(p, tokens)),
	}
	if !allowed {
		res.RetryAfter = time.Duration(retryMs) * time.Millisecond
		res = applyProgressive(l.config.Progressive, res, 1)
	}
	return res, nil
}

func timeToFull(p Policy, tokens float64) time.Duration {
	if p.RefillRate <= 0 {
		return 0
	}
	deficit := float64(p.Capacity) - tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / p.RefillRate * float64(time.Second))
}

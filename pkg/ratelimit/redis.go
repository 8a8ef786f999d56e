package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each allowed hit is a sorted-set member scored by its block time. Times
// come from ARGV so that every node computing the same block time agrees.
var rateLimitScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local count = redis.call("ZCARD", KEYS[1]) + 1
if count <= tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
end
redis.call("PEXPIRE", KEYS[1], ARGV[5])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if oldest[2] then
  return {count, tonumber(oldest[2])}
end
return {count, 0}
`)

type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int, now time.Time) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(key, limit, now)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nowMs := now.UTC().UnixMilli()
	windowMs := l.Window.Milliseconds()
	args := []interface{}{
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-windowMs, 10),
		strconv.Itoa(limit),
		strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString(),
		strconv.FormatInt(2*windowMs, 10),
	}
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, args...).Result()
	if err != nil {
		return l.fallback(key, limit, now)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(key, limit, now)
	}
	count, _ := vals[0].(int64)
	oldest, _ := vals[1].(int64)
	resetMs := nowMs + windowMs
	if oldest > 0 {
		resetMs = oldest + windowMs
	}
	return decide(int(count), limit, time.UnixMilli(resetMs).UTC())
}

func (l *RedisLimiter) fallback(key string, limit int, now time.Time) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit, now)
	}
	return Decision{Allowed: true, Count: 0, Limit: limit, Remaining: limit, ResetAt: now.UTC().Add(l.Window)}
}

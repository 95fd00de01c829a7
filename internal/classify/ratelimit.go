package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter applies client-side throttling to model calls using an
// atomic Redis Lua script, so concurrent scan sessions in any process
// share one budget. A read-then-increment pattern would race; the
// script checks every window and increments only when all pass.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script

	perSecond int
	perMinute int
	perDay    int
}

const limitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local secondLimit = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])
local dailyLimit = tonumber(ARGV[3])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secCurrent + 1 > secondLimit then
    return {0, 1}
end
if minCurrent + 1 > minuteLimit then
    return {0, 2}
end
if dayCurrent + 1 > dailyLimit then
    return {0, 3}
end

local newSec = redis.call("INCR", secondKey)
if newSec == 1 then
    redis.call("EXPIRE", secondKey, 2)
end
local newMin = redis.call("INCR", minuteKey)
if newMin == 1 then
    redis.call("EXPIRE", minuteKey, 120)
end
local newDay = redis.call("INCR", dailyKey)
if newDay == 1 then
    redis.call("EXPIRE", dailyKey, 172800)
end

return {1, 0}
`

// NewRateLimiter creates a shared classifier throttle.
func NewRateLimiter(client *redis.Client, perSecond, perMinute, perDay int) *RateLimiter {
	return &RateLimiter{
		redis:     client,
		script:    redis.NewScript(limitLuaScript),
		perSecond: perSecond,
		perMinute: perMinute,
		perDay:    perDay,
	}
}

// Allow atomically consumes one model call if every window has room.
// The denial reason is "second", "minute" or "daily".
func (rl *RateLimiter) Allow(ctx context.Context) (bool, string, error) {
	now := time.Now()
	keys := []string{
		fmt.Sprintf("classify:rl:sec:%d", now.Unix()),
		fmt.Sprintf("classify:rl:min:%s", now.Format("200601021504")),
		fmt.Sprintf("classify:rl:day:%s", now.Format("20060102")),
	}

	res, err := rl.script.Run(ctx, rl.redis, keys, rl.perSecond, rl.perMinute, rl.perDay).Result()
	if err != nil {
		return false, "", fmt.Errorf("rate limit script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, "", fmt.Errorf("rate limit script: unexpected result %v", res)
	}

	allowed, _ := vals[0].(int64)
	if allowed == 1 {
		return true, "", nil
	}

	reason, _ := vals[1].(int64)
	switch reason {
	case 1:
		return false, "second", nil
	case 2:
		return false, "minute", nil
	default:
		return false, "daily", nil
	}
}

// Wait blocks until a call slot is available or ctx is done. Denials on
// the per-second window retry quickly; longer windows back off harder.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		allowed, reason, err := rl.Allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		delay := 100 * time.Millisecond
		switch reason {
		case "minute":
			delay = 2 * time.Second
		case "daily":
			delay = time.Minute
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

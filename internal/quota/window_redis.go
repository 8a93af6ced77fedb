package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/crosslogic/metering/pkg/cache"
	"github.com/go-redis/redis/v8"
)

const windowKeyPrefix = "quota:window:"

// windowSlack keeps an idle window hash alive a little past its logical
// expiry so a late Release still finds it.
const windowSlack = 5 * time.Second

// reserveScript resets an expired window, compares and increments in one
// step. Times are unix milliseconds supplied by the caller.
//
// KEYS[1] window hash
// ARGV[1] now, ARGV[2] window length, ARGV[3] limit, ARGV[4] slack
// Returns {allowed, count, window_start}.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local slack = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'count', 'start')
local count = tonumber(state[1]) or 0
local start = tonumber(state[2]) or 0

if start == 0 or now - start >= window then
  count = 0
  start = now
end

local allowed = 0
if count < limit then
  count = count + 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'count', count, 'start', start, 'limit', limit, 'window', window)

local ttl = start + window - now + slack
if ttl < 1 then
  ttl = 1
end
redis.call('PEXPIRE', KEYS[1], ttl)

return {allowed, count, start}
`)

// releaseScript gives back one slot if the stored window is still the one
// the reservation came from.
//
// KEYS[1] window hash
// ARGV[1] window start of the reservation
// Returns 1 when a slot was released.
var releaseScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'count', 'start')
local count = tonumber(state[1]) or 0
local start = tonumber(state[2]) or 0

if start == tonumber(ARGV[1]) and count > 0 then
  redis.call('HINCRBY', KEYS[1], 'count', -1)
  return 1
end
return 0
`)

// RedisWindowCounter stores each window as a Redis hash and mutates it only
// through Lua scripts, which Redis runs atomically.
type RedisWindowCounter struct {
	cache *cache.Cache
}

// NewRedisWindowCounter creates a window counter backed by Redis
func NewRedisWindowCounter(c *cache.Cache) *RedisWindowCounter {
	return &RedisWindowCounter{cache: c}
}

// CheckAndReserve implements WindowCounter.
func (r *RedisWindowCounter) CheckAndReserve(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (*Reservation, error) {
	if err := validateWindowArgs(key, limit, window); err != nil {
		return nil, err
	}

	raw, err := r.cache.RunScript(ctx, reserveScript, []string{windowKeyPrefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, windowSlack.Milliseconds())
	if err != nil {
		return nil, unavailable("window check failed", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, unavailable("window check failed", fmt.Errorf("unexpected script reply %v", raw))
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	startMs, _ := vals[2].(int64)

	start := time.UnixMilli(startMs)
	res := &Reservation{
		Key:         key,
		Allowed:     allowed == 1,
		Count:       count,
		Limit:       limit,
		WindowStart: start,
		ResetAt:     start.Add(window),
	}
	if res.Allowed {
		res.Remaining = limit - count
	}
	return res, nil
}

// Release implements WindowCounter.
func (r *RedisWindowCounter) Release(ctx context.Context, res *Reservation) error {
	if res == nil || !res.Allowed {
		return nil
	}
	if _, err := r.cache.RunScript(ctx, releaseScript, []string{windowKeyPrefix + res.Key}, res.WindowStart.UnixMilli()); err != nil {
		return unavailable("window release failed", err)
	}
	return nil
}

// Peek implements WindowCounter.
func (r *RedisWindowCounter) Peek(ctx context.Context, key string, window time.Duration, now time.Time) (*RateWindow, error) {
	fields, err := r.cache.HGetAll(ctx, windowKeyPrefix+key)
	if err != nil {
		return nil, unavailable("window read failed", err)
	}

	rw := &RateWindow{Key: key, WindowStart: now, Window: window}
	if len(fields) == 0 {
		return rw, nil
	}

	rw.Limit, _ = strconv.ParseInt(fields["limit"], 10, 64)
	startMs, _ := strconv.ParseInt(fields["start"], 10, 64)
	if startMs == 0 {
		return rw, nil
	}
	start := time.UnixMilli(startMs)
	if expired(start, window, now) {
		return rw, nil
	}
	rw.Count, _ = strconv.ParseInt(fields["count"], 10, 64)
	rw.WindowStart = start
	return rw, nil
}

// Reset implements WindowCounter.
func (r *RedisWindowCounter) Reset(ctx context.Context, key string) error {
	if err := r.cache.Delete(ctx, windowKeyPrefix+key); err != nil {
		return unavailable("window reset failed", err)
	}
	return nil
}

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	keyBucket = "rl:bucket:%s"
	keyWindow = "rl:win:%s:%s:%d"
)

// tokenBucketScript refills and consumes atomically on the Redis side,
// using Redis server time so all instances agree.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// windowScript performs the atomic increment-and-expire for a fixed
// window. The key survives two periods so the window can be read for
// reporting after it closes; garbage collection is the TTL.
const windowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIREAT", KEYS[1], tonumber(ARGV[1]))
end
return count
`

// RedisStore shares counters across instances. Atomicity of the
// increment-and-compare comes from single-threaded script execution.
type RedisStore struct {
	client       *redis.Client
	bucketScript *redis.Script
	windowScript *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:       client,
		bucketScript: redis.NewScript(tokenBucketScript),
		windowScript: redis.NewScript(windowScript),
	}
}

func (s *RedisStore) TakeToken(ctx context.Context, credentialID string, ratePerSec float64, burst int64, now time.Time) (bool, time.Duration, error) {
	ttl := bucketTTL(ratePerSec, burst)
	key := fmt.Sprintf(keyBucket, credentialID)

	res, err := s.bucketScript.Run(ctx, s.client, []string{key},
		ratePerSec,
		burst,
		int64(ttl/time.Millisecond),
	).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("unexpected token bucket reply: %v", res)
	}

	allowed := castInt(res[0]) == 1
	if allowed {
		return true, 0, nil
	}

	tokens := castFloat(res[1])
	needed := 1.0 - tokens
	if needed < 0 {
		needed = 0
	}
	retryAfter := time.Duration(math.Ceil(needed / ratePerSec * float64(time.Second)))
	return false, retryAfter, nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, credentialID string, g Granularity, windowStart time.Time) (int64, error) {
	key := fmt.Sprintf(keyWindow, credentialID, g, windowStart.Unix())
	expireAt := windowStart.Add(2 * g.Duration()).UnixMilli()
	return s.windowScript.Run(ctx, s.client, []string{key}, expireAt).Int64()
}

func (s *RedisStore) WindowCount(ctx context.Context, credentialID string, g Granularity, windowStart time.Time) (int64, error) {
	key := fmt.Sprintf(keyWindow, credentialID, g, windowStart.Unix())
	count, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

func (s *RedisStore) Reset(ctx context.Context, credentialID string) error {
	keys := []string{fmt.Sprintf(keyBucket, credentialID)}

	iter := s.client.Scan(ctx, 0, fmt.Sprintf("rl:win:%s:*", credentialID), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	return s.client.Del(ctx, keys...).Err()
}

func bucketTTL(ratePerSec float64, burst int64) time.Duration {
	if ratePerSec <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil(float64(burst) / ratePerSec * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func castInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func castFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(val, "%g", &parsed); err == nil {
			return parsed
		}
		return 0
	default:
		return 0
	}
}

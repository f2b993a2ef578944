package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local fill = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "refilled_at")
local tokens = tonumber(state[1])
local refilled_at = tonumber(state[2])

if not tokens or not refilled_at then
    tokens = capacity
    refilled_at = now
end

local elapsed = now - refilled_at
if elapsed > 0 then
    tokens = tokens + elapsed * fill
    if tokens > capacity then
        tokens = capacity
    end
    refilled_at = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "refilled_at", refilled_at)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisStore implements Store on Redis so limits hold across instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "cap402:limiter:",
	}
}

func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	perSec := float64(policy.PerMinute) / 60.0
	if perSec <= 0 {
		perSec = 1.0
	}
	burst := policy.Burst
	if burst < 1 {
		burst = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key}, perSec, burst, cost, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

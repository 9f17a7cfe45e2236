package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/requiemhq/requiem/pkg/clock"
)

// tokenBucketScript runs the refill-and-consume step atomically in Redis so
// concurrent callers across processes see one consistent bucket.
// KEYS[1] = bucket key ("ratelimit:<tenant>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time in seconds (fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisStore shares buckets across processes through Redis.
type RedisStore struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedisStore connects to addr. An empty password and db 0 are the common
// defaults.
func NewRedisStore(addr, password string, db int, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.System()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, clock: clk}
}

// Allow implements Store by executing the bucket script.
func (s *RedisStore) Allow(ctx context.Context, tenantID string, policy Policy, cost int) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s", tenantID)

	rate := policy.RPS
	if rate <= 0 {
		rate = 1
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	now := float64(s.clock.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{key}, rate, burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script response %T", res)
	}

	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

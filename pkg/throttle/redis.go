package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and charges a bucket atomically server-side,
// so every ingress replica sees one consistent bucket per (agent, verb).
//
//	KEYS[1] bucket key
//	ARGV[1] refill rate, tokens/second
//	ARGV[2] capacity
//	ARGV[3] cost
//	ARGV[4] caller's unix time, seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local refill = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "stamp")
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if not tokens or not stamp then
    tokens = capacity
    stamp = now
end

local elapsed = now - stamp
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * refill)
    stamp = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "stamp", stamp)
redis.call("EXPIRE", key, 60)
return allowed
`)

// RedisStore shares token buckets across node replicas through Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr. password may be empty; db 0 is the
// conventional choice.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	refill := float64(policy.PerMinute) / 60
	if refill <= 0 {
		refill = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client,
		[]string{"concord:throttle:" + key},
		refill, policy.Burst, cost, now,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("throttle: redis: %w", err)
	}
	return res == 1, nil
}

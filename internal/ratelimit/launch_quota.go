// Package ratelimit throttles job launches per account so one tenant cannot
// drain the shared device pool. A distributed token bucket in Redis keeps
// the quota consistent across API replicas.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// LaunchQuota is a per-account token bucket.
type LaunchQuota struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

func NewLaunchQuota(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *LaunchQuota {
	return &LaunchQuota{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

func quotaKey(accountID string) string {
	return "quota:launch:" + accountID
}

// Allow consumes one launch token for the account if available. Returns the
// allowed flag and the remaining token count.
func (q *LaunchQuota) Allow(ctx context.Context, accountID string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := quotaScript.Run(ctx, q.client, []string{quotaKey(accountID)},
		q.capacity, q.refill, now, q.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, nil
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

var quotaScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)

package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript applies one fixed-window check atomically.
// KEYS: counter, block. ARGV: max, window ms, block ms.
// Returns {allowed, retry_after_ms, blocked}.
var windowScript = redis.NewScript(`
local blocked = redis.call('PTTL', KEYS[2])
if blocked > 0 then
  return {0, blocked, 1}
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  local block = tonumber(ARGV[3])
  if block > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', block)
    return {0, block, 1}
  end
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then ttl = tonumber(ARGV[2]) end
  return {0, ttl, 0}
end
return {1, 0, 0}
`)

// RedisRateLimiter shares windows across instances. Window expiry is left to
// Redis key TTLs, so no sweep is needed.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	policies map[PolicyClass]Policy
	prefix   string
}

func CreateRedisRateLimiter(client redis.UniversalClient, policies map[PolicyClass]Policy, prefix string) *RedisRateLimiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if prefix == "" {
		prefix = "portrait:ratelimit"
	}
	return &RedisRateLimiter{
		client:   client,
		policies: policies,
		prefix:   strings.Trim(prefix, ":"),
	}
}

func (rl *RedisRateLimiter) Check(ctx context.Context, identity string, class PolicyClass) (Decision, error) {
	policy, ok := rl.policies[class]
	if !ok {
		policy = rl.policies[PolicyGeneral]
	}

	counterKey := fmt.Sprintf("%s:%s:%s", rl.prefix, class, identity)
	blockKey := fmt.Sprintf("%s:block:%s", rl.prefix, identity)

	res, err := windowScript.Run(ctx, rl.client,
		[]string{counterKey, blockKey},
		policy.MaxRequests, policy.Window.Milliseconds(), policy.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}

	d := Decision{
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
		Blocked:    res[2] == 1,
		Reason:     "too many attempts",
	}
	if d.Blocked {
		d.Reason = "too many requests, temporarily blocked"
	}
	return d, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		local until_next = interval_ms - (now_ms - last_refill)
		if until_next < 0 then until_next = 0 end
		retry_after_ms = until_next
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// Redis is a token bucket shared by every instance through a Lua script.
type Redis struct {
	rdb    redis.Scripter
	policy Policy
	prefix string
	now    func() time.Time
}

func NewRedis(rdb redis.Scripter, prefix string, policy Policy) (*Redis, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "rl"
	}
	return &Redis{rdb: rdb, policy: policy, prefix: prefix, now: time.Now}, nil
}

func (r *Redis) key(key string) string {
	return r.prefix + ":" + r.policy.Name + ":" + key
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	ttl := int64(r.policy.Window / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	args := []interface{}{
		r.now().UnixMilli(),
		r.policy.Limit,
		1,
		r.policy.interval().Milliseconds(),
		ttl,
	}
	vals, err := tokenBucketScript.Run(ctx, r.rdb, []string{r.key(key)}, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result %#v", vals)
	}
	return Decision{
		Allowed:    asInt64(arr[0]) == 1,
		Limit:      r.policy.Limit,
		Remaining:  int(asInt64(arr[1])),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllowsUpToLimit(t *testing.T) {
	lim, err := NewMemory(Policy{Name: "upload", Limit: 3, Window: time.Hour})
	require.NoError(t, err)
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lim.now = func() time.Time { return current }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := lim.Allow(ctx, "user:1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 3-i-1, d.Remaining)
	}
	d, err := lim.Allow(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 20*time.Minute)

	other, _ := lim.Allow(ctx, "user:2")
	assert.True(t, other.Allowed, "keys are independent")

	current = current.Add(20 * time.Minute)
	d, _ = lim.Allow(ctx, "user:1")
	assert.True(t, d.Allowed, "one token refills every window/limit")
}

func TestMemorySweepDropsIdleKeys(t *testing.T) {
	lim, err := NewMemory(Policy{Limit: 1, Window: time.Minute})
	require.NoError(t, err)
	current := time.Now()
	lim.now = func() time.Time { return current }

	_, _ = lim.Allow(context.Background(), "a")
	require.Equal(t, 1, lim.Size())
	current = current.Add(3 * time.Minute)
	lim.sweep()
	assert.Equal(t, 0, lim.Size())

	lim.Stop()
	lim.Stop()
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		ok     bool
	}{
		{name: "合法", policy: Policy{Limit: 5, Window: time.Hour}, ok: true},
		{name: "次数为零", policy: Policy{Limit: 0, Window: time.Hour}},
		{name: "窗口为零", policy: Policy{Limit: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.policy.Validate() == nil)
		})
	}
}

func TestRedisErrorIsReturned(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	lim, err := NewRedis(rdb, "", Policy{Name: "api", Limit: 10, Window: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "rl:api:k", lim.key("k"))

	_, err = lim.Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestAsInt64(t *testing.T) {
	assert.Equal(t, int64(3), asInt64(int64(3)))
	assert.Equal(t, int64(7), asInt64("7"))
	assert.Equal(t, int64(2), asInt64(2.9))
	assert.Equal(t, int64(0), asInt64(nil))
}

package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Policy 表示 window 时间内最多允许 Limit 次请求
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	if p.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	return nil
}

// interval 每补充一个令牌所需时间
func (p Policy) interval() time.Duration {
	return p.Window / time.Duration(p.Limit)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter consumes one token for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

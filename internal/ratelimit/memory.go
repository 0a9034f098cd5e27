package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// Memory keeps one token bucket per key in process memory. Idle keys are
// dropped by a background GC until Stop is called.
type Memory struct {
	policy Policy
	ttl    time.Duration

	mu   sync.Mutex
	m    map[string]*keyLimiter
	stop chan struct{}
	once sync.Once
	now  func() time.Time
}

func NewMemory(policy Policy) (*Memory, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	// 空闲超过一个窗口的桶必然已回满，可以直接丢弃
	ttl := policy.Window
	if ttl < 2*time.Minute {
		ttl = 2 * time.Minute
	}
	return &Memory{
		policy: policy,
		ttl:    ttl,
		m:      make(map[string]*keyLimiter),
		stop:   make(chan struct{}),
		now:    time.Now,
	}, nil
}

func (rl *Memory) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.m[key]
	if ok {
		kl.ts = rl.now()
		return kl.lim
	}
	lim := rate.NewLimiter(rate.Every(rl.policy.interval()), rl.policy.Limit)
	rl.m[key] = &keyLimiter{lim: lim, ts: rl.now()}
	return lim
}

func (rl *Memory) Allow(_ context.Context, key string) (Decision, error) {
	lim := rl.get(key)
	now := rl.now()
	decision := Decision{Limit: rl.policy.Limit}

	reservation := lim.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		decision.RetryAfter = delay
		return decision, nil
	}
	decision.Allowed = true
	if remaining := int(lim.TokensAt(now)); remaining > 0 {
		decision.Remaining = remaining
	}
	return decision, nil
}

// Size reports the number of tracked keys.
func (rl *Memory) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.m)
}

func (rl *Memory) sweep() {
	now := rl.now()
	rl.mu.Lock()
	for k, v := range rl.m {
		if now.Sub(v.ts) > rl.ttl {
			delete(rl.m, k)
		}
	}
	rl.mu.Unlock()
}

// RunGC blocks until Stop, sweeping idle keys every interval.
func (rl *Memory) RunGC(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *Memory) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

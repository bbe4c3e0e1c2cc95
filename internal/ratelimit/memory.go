package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneEvery controls how often idle per-key limiters are dropped.
const pruneEvery = 1024

// MemoryLimiter is the single-process counterpart of TokenBucket with the
// same capacity and refill semantics.
type MemoryLimiter struct {
	rules Rules
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	calls    int
}

func NewMemoryLimiter(rules Rules) *MemoryLimiter {
	return &MemoryLimiter{
		rules:    rules,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, bucket Bucket) (Decision, error) {
	budget, err := m.rules.lookup(bucket)
	if err != nil {
		return Decision{}, err
	}

	// The reservation happens under mu so pruning never drops a limiter
	// another caller is consuming from.
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	lim := m.limiterFor(string(bucket)+":"+key, budget.Limit, refillPerSecond(budget), now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: budget.Window}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

// limiterFor returns the limiter for k, creating it if needed. Callers
// hold mu.
func (m *MemoryLimiter) limiterFor(k string, burst int, perSecond float64, now time.Time) *rate.Limiter {
	m.calls++
	if m.calls%pruneEvery == 0 {
		m.prune(now)
	}
	lim, ok := m.limiters[k]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		m.limiters[k] = lim
	}
	return lim
}

// prune drops limiters whose bucket is full again; a fresh limiter behaves
// identically.
func (m *MemoryLimiter) prune(now time.Time) {
	for key, l := range m.limiters {
		if l.TokensAt(now) >= float64(l.Burst()) {
			delete(m.limiters, key)
		}
	}
}

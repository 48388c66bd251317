package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepThreshold is the number of tracked keys above which idle limiters
// are dropped on the next Allow.
const sweepThreshold = 1024

// MemoryThrottle keeps one token bucket per key in process memory.
type MemoryThrottle struct {
	mu    sync.Mutex
	m     map[string]*entry
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ Throttle = (*MemoryThrottle)(nil)

// NewMemoryThrottle allows one action per interval for each key. A nil now
// uses time.Now.
func NewMemoryThrottle(interval time.Duration, now func() time.Time) *MemoryThrottle {
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &MemoryThrottle{
		m:     make(map[string]*entry),
		limit: limit,
		burst: 1,
		idle:  interval,
		now:   now,
	}
}

// Allow reports whether key may act now. It never returns an error.
func (t *MemoryThrottle) Allow(_ context.Context, key string) (bool, error) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.m) > sweepThreshold {
		t.sweepLocked(now)
	}
	e, ok := t.m[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.m[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

// Reset forgets key so its next action is allowed immediately. It never
// returns an error.
func (t *MemoryThrottle) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
	return nil
}

// sweepLocked drops limiters idle long enough to have refilled completely.
func (t *MemoryThrottle) sweepLocked(now time.Time) {
	for k, e := range t.m {
		if now.Sub(e.lastSeen) > t.idle {
			delete(t.m, k)
		}
	}
}

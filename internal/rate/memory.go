package rate

import (
	"sync"
	"time"
)

const sweepEvery = time.Minute

type window struct {
	hits    int
	resetAt time.Time
}

// Throttle counts requests per key in fixed windows held in process memory.
// It sits in front of unauthenticated endpoints, ahead of the store-backed
// Limiter, so that token issuance cannot be used to flood the store.
type Throttle struct {
	mu        sync.Mutex
	windows   map[string]window
	nextSweep time.Time
	now       func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{
		windows: map[string]window{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.now = now
	return t
}

// Allow counts one hit for key. Once key has used limit hits in its current
// window it reports false and the time left until the window resets.
func (t *Throttle) Allow(key string, limit int, per time.Duration) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sweep(now)

	w, ok := t.windows[key]
	if !ok || !now.Before(w.resetAt) {
		t.windows[key] = window{hits: 1, resetAt: now.Add(per)}
		return true, 0
	}
	if w.hits >= limit {
		return false, w.resetAt.Sub(now)
	}
	w.hits++
	t.windows[key] = w
	return true, 0
}

// sweep drops windows that have already reset, at most once per sweepEvery.
func (t *Throttle) sweep(now time.Time) {
	if now.Before(t.nextSweep) {
		return
	}
	for k, w := range t.windows {
		if !now.Before(w.resetAt) {
			delete(t.windows, k)
		}
	}
	t.nextSweep = now.Add(sweepEvery)
}

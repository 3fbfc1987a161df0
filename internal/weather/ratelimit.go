package weather

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter is a sliding-window limiter: at most limit grants in any
// window-long interval. Wait blocks until a slot frees; nothing is dropped.
type RateLimiter struct {
	limit  int
	window time.Duration
	clock  clockwork.Clock

	mu     sync.Mutex
	grants []time.Time // oldest first

	// onWait is called each time a caller has to block.
	onWait func()
}

// NewRateLimiter creates a limiter allowing limit calls per window.
func NewRateLimiter(limit int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		grants: make([]time.Time, 0, limit),
	}
}

// Wait blocks until the call may proceed or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	waited := false
	for {
		delay, ok := l.reserve()
		if ok {
			return nil
		}
		if !waited && l.onWait != nil {
			l.onWait()
		}
		waited = true

		timer := l.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

// reserve grants a slot if one is free, otherwise returns how long until
// the oldest grant leaves the window.
func (l *RateLimiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	l.grants = l.grants[i:]

	if len(l.grants) < l.limit {
		l.grants = append(l.grants, now)
		return 0, true
	}
	return l.grants[0].Sub(cutoff), false
}

// InFlight returns the number of grants inside the current window.
func (l *RateLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.window)
	n := 0
	for _, g := range l.grants {
		if g.After(cutoff) {
			n++
		}
	}
	return n
}

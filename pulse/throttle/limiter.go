// Package throttle gates job starts per worker pool with a sliding window.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
)

// ErrLimited is returned by Allow when the window is full
var ErrLimited = errors.New("pool start limit reached")

// Limiter enforces max starts per window using a sliding window
type Limiter struct {
	max       int
	window    time.Duration
	mu        sync.Mutex
	callTimes []time.Time
	clock     clock.Clock
}

// NewLimiter creates a limiter with real time
func NewLimiter(max int, window time.Duration) *Limiter {
	return NewLimiterWithClock(max, window, clock.Real())
}

// NewLimiterWithClock creates a limiter with an injectable clock
func NewLimiterWithClock(max int, window time.Duration, clk clock.Clock) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		max:       max,
		window:    window,
		callTimes: make([]time.Time, 0, max),
		clock:     clk,
	}
}

// Allow records a start if one is available; otherwise returns ErrLimited
func (r *Limiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.removeExpired(now)

	if len(r.callTimes) >= r.max {
		err := errors.Wrapf(ErrLimited, "%d starts per %s", r.max, r.window)
		err = errors.WithDetail(err, fmt.Sprintf("Starts in window: %d", len(r.callTimes)))
		err = errors.WithDetail(err, fmt.Sprintf("Retry after: %s", r.callTimes[0].Add(r.window).Sub(now)))
		return err
	}

	r.callTimes = append(r.callTimes, now)
	return nil
}

// Wait blocks until a start is allowed or ctx is done
func (r *Limiter) Wait(ctx context.Context) error {
	for {
		if err := r.Allow(); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// removeExpired drops timestamps outside the window. Caller holds r.mu.
func (r *Limiter) removeExpired(now time.Time) {
	cutoff := now.Add(-r.window)

	expired := 0
	for _, t := range r.callTimes {
		if t.After(cutoff) {
			break
		}
		expired++
	}
	r.callTimes = r.callTimes[expired:]
}

// Remaining reports how many starts are available right now
func (r *Limiter) Remaining() int {
	_, remaining := r.Stats()
	return remaining
}

// SetMax changes the ceiling; recorded starts are kept
func (r *Limiter) SetMax(max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = max
}

// Reset clears the limiter state
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callTimes = r.callTimes[:0]
}

// Stats returns starts in the current window and remaining capacity
func (r *Limiter) Stats() (inWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeExpired(r.clock.Now())

	inWindow = len(r.callTimes)
	remaining = r.max - inWindow
	if remaining < 0 {
		remaining = 0
	}
	return inWindow, remaining
}

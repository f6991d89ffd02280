// Package ratelimit provides fixed-window counters for OTP request limiting.
// Windows are aligned to wall-clock boundaries (minute, day), so a burst may
// straddle two adjacent windows; the reported cooldown always points at the
// end of the current window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signetworks/signet/pkg/ident"
)

// Window is one fixed counting window.
type Window struct {
	Name   string
	Limit  int
	Period time.Duration
}

// Decision is the outcome of a limit check. RetryAfter is only meaningful
// when Allowed is false: it is the time until the violated window resets.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter checks and consumes rate-limit quota for a key. All configured
// windows are consumed together; the first exhausted window denies.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// windowStart aligns now to the window boundary.
func windowStart(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period)
}

// FixedWindowLimiter is an in-process Limiter for single-node deployments
// and tests.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	clock   ident.Clock
	windows []Window
	counts  map[string]*windowCount
}

type windowCount struct {
	start time.Time
	n     int
}

// NewFixedWindowLimiter creates an in-memory limiter over the given windows.
func NewFixedWindowLimiter(clock ident.Clock, windows ...Window) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		clock:   clock,
		windows: windows,
		counts:  make(map[string]*windowCount),
	}
}

func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()

	// Check every window before consuming any, so a denied request does not
	// burn quota in the windows it passed.
	for _, w := range l.windows {
		wc := l.counts[l.bucketKey(key, w)]
		start := windowStart(now, w.Period)
		if wc != nil && wc.start.Equal(start) && wc.n >= w.Limit {
			return Decision{Allowed: false, RetryAfter: start.Add(w.Period).Sub(now)}, nil
		}
	}
	for _, w := range l.windows {
		bk := l.bucketKey(key, w)
		start := windowStart(now, w.Period)
		wc := l.counts[bk]
		if wc == nil || !wc.start.Equal(start) {
			wc = &windowCount{start: start}
			l.counts[bk] = wc
		}
		wc.n++
	}
	return Decision{Allowed: true}, nil
}

func (l *FixedWindowLimiter) bucketKey(key string, w Window) string {
	return fmt.Sprintf("%s|%s", key, w.Name)
}

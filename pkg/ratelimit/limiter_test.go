package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signetworks/signet/pkg/ident"
)

func TestPerMinuteLimit(t *testing.T) {
	// Mid-window start so the reported cooldown is a partial minute.
	clock := ident.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 20, 0, time.UTC))
	l := NewFixedWindowLimiter(clock, Window{Name: "minute", Limit: 5, Period: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "otp:env-1/p-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within limit", i+1)
	}

	d, err := l.Allow(ctx, "otp:env-1/p-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "6th request in the window is denied")
	assert.Equal(t, 40*time.Second, d.RetryAfter, "cooldown runs to the window boundary")

	// Another key is unaffected.
	d, err = l.Allow(ctx, "otp:env-1/p-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestWindowBoundaryResets(t *testing.T) {
	clock := ident.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 59, 0, time.UTC))
	l := NewFixedWindowLimiter(clock, Window{Name: "minute", Limit: 2, Period: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Fixed windows: one second later a fresh window opens, so a burst can
	// straddle the boundary. This is the documented trade-off.
	clock.Advance(time.Second)
	d, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDailyWindowOutlivesMinuteWindow(t *testing.T) {
	clock := ident.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewFixedWindowLimiter(clock,
		Window{Name: "minute", Limit: 2, Period: time.Minute},
		Window{Name: "day", Limit: 3, Period: 24 * time.Hour},
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	// Minute window rolls over, but only one daily token remains.
	clock.Advance(time.Minute)
	d, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// Day windows align to midnight UTC; at 12:01 the reset is 11h59m away.
	assert.Equal(t, 11*time.Hour+59*time.Minute, d.RetryAfter, "cooldown points at the daily boundary")
}

func TestDeniedRequestDoesNotConsumeQuota(t *testing.T) {
	clock := ident.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewFixedWindowLimiter(clock,
		Window{Name: "minute", Limit: 1, Period: time.Minute},
		Window{Name: "day", Limit: 10, Period: 24 * time.Hour},
	)
	ctx := context.Background()

	d, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Denied by the minute window; the daily window must not be charged.
	for i := 0; i < 5; i++ {
		d, err = l.Allow(ctx, "k")
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}

	clock.Advance(time.Minute)
	for i := 0; i < 1; i++ {
		d, err = l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "daily quota was not burned by denials")
	}
}

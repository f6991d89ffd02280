package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/ident"
	"github.com/signetworks/signet/pkg/store"
)

func newTestGuard(t *testing.T) (*Guard, *store.MemoryStore, *ident.FakeClock) {
	t.Helper()
	mem := store.NewMemoryStore()
	clock := ident.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewGuard(mem, clock), mem, clock
}

func TestRunExecutesOnce(t *testing.T) {
	g, _, _ := newTestGuard(t)
	ctx := context.Background()

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return map[string]string{"envelope_id": "env-1"}, nil
	}

	first, err := g.Run(ctx, "fp-1", time.Hour, op)
	require.NoError(t, err)
	second, err := g.Run(ctx, "fp-1", time.Hour, op)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "side effects run once per fingerprint")
	assert.JSONEq(t, string(first), string(second))
}

func TestRunReExecutesAfterExpiry(t *testing.T) {
	g, _, clock := newTestGuard(t)
	ctx := context.Background()

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}

	_, err := g.Run(ctx, "fp-1", time.Minute, op)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	out, err := g.Run(ctx, "fp-1", time.Minute, op)
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "expired record evicted lazily, command re-runs")
	assert.Equal(t, json.RawMessage("2"), out)
}

func TestRunDoesNotCacheFailures(t *testing.T) {
	g, _, _ := newTestGuard(t)
	ctx := context.Background()

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient storage error")
		}
		return "ok", nil
	}

	_, err := g.Run(ctx, "fp-1", time.Hour, op)
	require.Error(t, err)

	out, err := g.Run(ctx, "fp-1", time.Hour, op)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"ok"`), out)
	assert.Equal(t, 2, calls)
}

// staleReadStore serves a configurable number of ErrNotFound responses before
// delegating, simulating a read that raced ahead of a concurrent commit.
type staleReadStore struct {
	store.IdempotencyStore
	misses int
}

func (s *staleReadStore) GetFingerprint(ctx context.Context, fingerprint string) (*contracts.IdempotencyRecord, error) {
	if s.misses > 0 {
		s.misses--
		return nil, store.ErrNotFound
	}
	return s.IdempotencyStore.GetFingerprint(ctx, fingerprint)
}

func TestRunLoserReplaysWinnerWithoutExecuting(t *testing.T) {
	mem := store.NewMemoryStore()
	clock := ident.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// The winner's completed record is already committed, but our first read
	// happens "before" that commit becomes visible.
	require.NoError(t, mem.CompleteFingerprint(ctx, &contracts.IdempotencyRecord{
		Fingerprint: "fp-1",
		Status:      contracts.IdempotencyCompleted,
		Result:      json.RawMessage(`{"winner":true}`),
		CreatedAt:   clock.Now(),
		ExpiresAt:   clock.Now().Add(time.Hour),
	}))
	g := NewGuard(&staleReadStore{IdempotencyStore: mem, misses: 1}, clock)

	calls := 0
	out, err := g.Run(ctx, "fp-1", time.Hour, func(ctx context.Context) (any, error) {
		calls++
		return map[string]bool{"winner": false}, nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"winner":true}`, string(out))
	assert.Zero(t, calls, "the reservation blocks a second execution")
}

func TestRunReportsInFlightDuplicate(t *testing.T) {
	g, mem, clock := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateFingerprint(ctx, &contracts.IdempotencyRecord{
		Fingerprint: "fp-1",
		Status:      contracts.IdempotencyPending,
		CreatedAt:   clock.Now(),
		ExpiresAt:   clock.Now().Add(time.Minute),
	}))

	calls := 0
	_, err := g.Run(ctx, "fp-1", time.Hour, func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Zero(t, calls)
}

func TestRunLoserOfReservationRaceGetsInFlight(t *testing.T) {
	mem := store.NewMemoryStore()
	clock := ident.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// Another node's pending reservation lands between our read and our
	// reservation attempt.
	require.NoError(t, mem.CreateFingerprint(ctx, &contracts.IdempotencyRecord{
		Fingerprint: "fp-1",
		Status:      contracts.IdempotencyPending,
		CreatedAt:   clock.Now(),
		ExpiresAt:   clock.Now().Add(time.Minute),
	}))
	g := NewGuard(&staleReadStore{IdempotencyStore: mem, misses: 1}, clock)

	calls := 0
	_, err := g.Run(ctx, "fp-1", time.Hour, func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Zero(t, calls)
}

func TestRunFailureReleasesReservation(t *testing.T) {
	g, mem, _ := newTestGuard(t)
	ctx := context.Background()

	_, err := g.Run(ctx, "fp-1", time.Hour, func(ctx context.Context) (any, error) {
		return nil, errors.New("storage exploded")
	})
	require.Error(t, err)

	_, err = mem.GetFingerprint(ctx, "fp-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "failed commands leave no reservation behind")
}

func TestRunAbandonedReservationExpires(t *testing.T) {
	g, mem, clock := newTestGuard(t)
	ctx := context.Background()

	// A crashed owner never completes its reservation.
	require.NoError(t, mem.CreateFingerprint(ctx, &contracts.IdempotencyRecord{
		Fingerprint: "fp-1",
		Status:      contracts.IdempotencyPending,
		CreatedAt:   clock.Now(),
		ExpiresAt:   clock.Now().Add(inFlightTTL),
	}))

	clock.Advance(inFlightTTL + time.Second)
	out, err := g.Run(ctx, "fp-1", time.Hour, func(ctx context.Context) (any, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"recovered"`), out)
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/ident"
	"github.com/signetworks/signet/pkg/store"
)

// ErrInFlight is returned when an identical command holds a pending
// reservation: another invocation is executing right now and its result is
// not available yet. Callers retry shortly and replay the winner's result.
var ErrInFlight = errors.New("identical command is in flight")

// inFlightTTL bounds how long a pending reservation blocks duplicates. A
// crashed owner never completes its reservation; after this window the
// record expires and the command can run again.
const inFlightTTL = 2 * time.Minute

// Operation is the guarded unit of work. Its result must be JSON-marshalable
// so it can be cached and replayed.
type Operation func(ctx context.Context) (any, error)

// Guard wraps operations with fingerprint-based deduplication.
type Guard struct {
	store store.IdempotencyStore
	clock ident.Clock
	log   *slog.Logger
}

// NewGuard creates a Guard over the given store.
func NewGuard(s store.IdempotencyStore, clock ident.Clock) *Guard {
	return &Guard{
		store: s,
		clock: clock,
		log:   slog.Default().With("component", "idempotency"),
	}
}

// Run executes op at most once per fingerprint within ttl.
//
// A non-expired completed record short-circuits without invoking op; a
// pending record surfaces ErrInFlight. Expiry is evaluated lazily at read
// time: an expired record is deleted and the command re-runs.
//
// Before op runs, a pending reservation is written with a conditional
// create. Under concurrent duplicate submissions only one invocation holds
// the reservation and executes the body; losers replay its completed result
// or get ErrInFlight, never a second execution.
//
// Failed operations release their reservation and are not cached; the
// caller may retry them with the same fingerprint.
func (g *Guard) Run(ctx context.Context, fingerprint string, ttl time.Duration, op Operation) (json.RawMessage, error) {
	rec, err := g.store.GetFingerprint(ctx, fingerprint)
	switch {
	case err == nil:
		if !rec.Expired(g.clock.Now()) {
			if !rec.Completed() {
				return nil, fmt.Errorf("idempotency: %w", ErrInFlight)
			}
			g.log.DebugContext(ctx, "replayed cached result", "fingerprint", fingerprint)
			return rec.Result, nil
		}
		if err := g.store.DeleteFingerprint(ctx, fingerprint); err != nil {
			return nil, fmt.Errorf("idempotency: evict expired record: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		// First sighting.
	default:
		return nil, err
	}

	now := g.clock.Now()
	err = g.store.CreateFingerprint(ctx, &contracts.IdempotencyRecord{
		Fingerprint: fingerprint,
		Status:      contracts.IdempotencyPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(inFlightTTL),
	})
	if errors.Is(err, store.ErrConditionFailed) {
		// Lost the reservation race: a concurrent duplicate got there first
		// and its execution is authoritative.
		winner, getErr := g.store.GetFingerprint(ctx, fingerprint)
		if getErr != nil {
			return nil, fmt.Errorf("idempotency: read winning record: %w", getErr)
		}
		if winner.Completed() && !winner.Expired(g.clock.Now()) {
			return winner.Result, nil
		}
		return nil, fmt.Errorf("idempotency: %w", ErrInFlight)
	}
	if err != nil {
		return nil, err
	}

	out, err := op(ctx)
	if err != nil {
		g.release(ctx, fingerprint)
		return nil, err
	}
	result, err := json.Marshal(out)
	if err != nil {
		g.release(ctx, fingerprint)
		return nil, fmt.Errorf("idempotency: marshal result: %w", err)
	}

	now = g.clock.Now()
	if err := g.store.CompleteFingerprint(ctx, &contracts.IdempotencyRecord{
		Fingerprint: fingerprint,
		Status:      contracts.IdempotencyCompleted,
		Result:      result,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}); err != nil {
		return nil, fmt.Errorf("idempotency: complete record: %w", err)
	}
	return result, nil
}

// release drops the pending reservation after a failed operation so the
// caller can retry with the same fingerprint.
func (g *Guard) release(ctx context.Context, fingerprint string) {
	if err := g.store.DeleteFingerprint(ctx, fingerprint); err != nil {
		g.log.WarnContext(ctx, "failed to release reservation",
			"fingerprint", fingerprint, "error", err)
	}
}

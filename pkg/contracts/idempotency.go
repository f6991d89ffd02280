package contracts

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus tracks whether a fingerprint's command is still executing
// or has a cached result.
type IdempotencyStatus string

const (
	// IdempotencyPending marks a reservation: the command is executing and no
	// result exists yet. Concurrent duplicates must not run.
	IdempotencyPending IdempotencyStatus = "pending"
	// IdempotencyCompleted marks a cached result ready for replay.
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord caches the outcome of a previously executed command,
// keyed by the content-derived fingerprint of the request. One record exists
// per fingerprint; it is created as a pending reservation before the command
// body runs and completed with the result afterwards, so duplicates within
// the TTL window either replay the cached result or observe the in-flight
// reservation.
type IdempotencyRecord struct {
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Completed reports whether the record carries a replayable result. Records
// written before reservations existed have no status and count as completed.
func (r *IdempotencyRecord) Completed() bool {
	return r.Status != IdempotencyPending
}

// Expired reports whether the record is past its TTL.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

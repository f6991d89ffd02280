// Package store implements the keyed-record persistence boundary consumed by
// the workflow engine: point lookups, conditional (compare-and-swap) writes
// and ordered secondary-index queries. Backends: in-memory, SQLite and
// PostgreSQL.
package store

import (
	"context"
	"errors"

	"github.com/signetworks/signet/pkg/contracts"
)

var (
	// ErrNotFound is returned for point lookups that match nothing.
	ErrNotFound = errors.New("record not found")
	// ErrConditionFailed is returned when a conditional write loses: the key
	// already exists, the expected version is stale, or the expected chain
	// head has moved.
	ErrConditionFailed = errors.New("conditional write failed")
)

// WorkflowStore persists envelopes and parties with optimistic concurrency.
type WorkflowStore interface {
	GetEnvelope(ctx context.Context, tenantID, envelopeID string) (*contracts.Envelope, error)
	// CreateEnvelope is a conditional create: ErrConditionFailed if the id exists.
	CreateEnvelope(ctx context.Context, env *contracts.Envelope) error
	// UpdateEnvelope writes env and bumps its version iff the stored version
	// equals expectedVersion.
	UpdateEnvelope(ctx context.Context, env *contracts.Envelope, expectedVersion int64) error

	GetParty(ctx context.Context, envelopeID, partyID string) (*contracts.Party, error)
	CreateParty(ctx context.Context, p *contracts.Party) error
	UpdateParty(ctx context.Context, p *contracts.Party, expectedVersion int64) error
	// ListParties returns all parties of an envelope ordered by sequence then id.
	ListParties(ctx context.Context, envelopeID string) ([]*contracts.Party, error)
	// FindPartyByEmail is an exact-match secondary-index lookup.
	FindPartyByEmail(ctx context.Context, envelopeID, email string) (*contracts.Party, error)
}

// OutboxStore persists staged domain events.
type OutboxStore interface {
	// CreateEvent is a conditional create: ErrConditionFailed if the id exists.
	CreateEvent(ctx context.Context, rec *contracts.OutboxRecord) error
	GetEvent(ctx context.Context, id string) (*contracts.OutboxRecord, error)
	// ListPending returns the oldest pending records, ordered by occurrence
	// time then id.
	ListPending(ctx context.Context, limit int) ([]*contracts.OutboxRecord, error)
	MarkDispatched(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastError string) error
}

// AuditStore persists hash-chained audit records. Append-only: no update or
// delete is exposed.
type AuditStore interface {
	// ChainHead returns the hash of the most recent record for the envelope,
	// or ErrNotFound for an empty chain.
	ChainHead(ctx context.Context, envelopeID string) (string, error)
	// AppendRecord inserts rec iff the envelope's current chain head equals
	// expectedHead ("" for an empty chain). This is the serialization point
	// for concurrent appends on the same envelope.
	AppendRecord(ctx context.Context, rec *contracts.AuditRecord, expectedHead string) error
	// ListRecords returns the full chain ordered by occurrence time then id.
	ListRecords(ctx context.Context, envelopeID string) ([]*contracts.AuditRecord, error)
}

// IdempotencyStore persists command fingerprints: pending reservations while
// a command executes, cached results afterwards.
type IdempotencyStore interface {
	GetFingerprint(ctx context.Context, fingerprint string) (*contracts.IdempotencyRecord, error)
	// CreateFingerprint is a conditional create: first writer wins. Used to
	// reserve a fingerprint before the command body runs.
	CreateFingerprint(ctx context.Context, rec *contracts.IdempotencyRecord) error
	// CompleteFingerprint overwrites the reservation with the finished record.
	CompleteFingerprint(ctx context.Context, rec *contracts.IdempotencyRecord) error
	// DeleteFingerprint removes an expired or abandoned record so the command
	// can re-run.
	DeleteFingerprint(ctx context.Context, fingerprint string) error
}

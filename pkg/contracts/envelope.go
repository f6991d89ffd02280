// Package contracts defines the shared domain types exchanged between the
// workflow engine, the stores, the outbox and the audit ledger.
package contracts

import "time"

// EnvelopeStatus is the lifecycle state of an envelope.
type EnvelopeStatus string

const (
	EnvelopeDraft             EnvelopeStatus = "draft"
	EnvelopeSent              EnvelopeStatus = "sent"
	EnvelopeReadyForSignature EnvelopeStatus = "ready_for_signature"
	EnvelopePartiallySigned   EnvelopeStatus = "partially_signed"
	EnvelopeCompleted         EnvelopeStatus = "completed"
	EnvelopeDeclined          EnvelopeStatus = "declined"
	EnvelopeCancelled         EnvelopeStatus = "cancelled"
	EnvelopeExpired           EnvelopeStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s EnvelopeStatus) Terminal() bool {
	switch s {
	case EnvelopeCompleted, EnvelopeDeclined, EnvelopeCancelled, EnvelopeExpired:
		return true
	}
	return false
}

// SigningMode controls whether parties sign in strict sequence order.
type SigningMode string

const (
	SigningSequential SigningMode = "sequential"
	SigningParallel   SigningMode = "parallel"
)

// Envelope is a signable document package moving through a lifecycle.
type Envelope struct {
	TenantID    string         `json:"tenant_id"`
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Status      EnvelopeStatus `json:"status"`
	SigningMode SigningMode    `json:"signing_mode"`
	PartyIDs    []string       `json:"party_ids"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`

	// Version supports optimistic-concurrency updates. Incremented on every
	// successful conditional write.
	Version int64 `json:"version"`
}

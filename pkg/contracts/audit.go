package contracts

import "time"

// AuditRecord is a single immutable entry in an envelope's hash chain.
//
// Hash is the digest over (PrevHash, EventType, OccurredAt, canonical
// Metadata); PrevHash equals the Hash of the chronologically preceding record
// for the same envelope, or the chain seed for the first record.
type AuditRecord struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	EnvelopeID string         `json:"envelope_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	EventType  string         `json:"event_type"`
	Actor      string         `json:"actor"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

package contracts

import "time"

// Domain event types staged through the outbox. Each type has a strict
// payload schema enforced at the outbox boundary.
const (
	EventEnvelopeCreated   = "envelope.created"
	EventEnvelopeSent      = "envelope.sent"
	EventEnvelopeCompleted = "envelope.completed"
	EventEnvelopeDeclined  = "envelope.declined"
	EventEnvelopeCancelled = "envelope.cancelled"
	EventEnvelopeExpired   = "envelope.expired"
	EventPartyAdded        = "party.added"
	EventPartyConsented    = "party.consented"
	EventPartySigned       = "party.signed"
	EventPartyDeclined     = "party.declined"
	EventPartyDelegated    = "party.delegated"
	EventOTPRequested      = "otp.requested"
	EventOTPVerified       = "otp.verified"
)

// EnvelopeEvent is the payload for envelope lifecycle events.
type EnvelopeEvent struct {
	TenantID   string         `json:"tenant_id"`
	EnvelopeID string         `json:"envelope_id"`
	Status     EnvelopeStatus `json:"status"`
	Actor      string         `json:"actor"`
	OccurredAt time.Time      `json:"occurred_at"`
	Reason     string         `json:"reason,omitempty"`
}

// PartyEvent is the payload for party lifecycle events.
type PartyEvent struct {
	TenantID   string      `json:"tenant_id"`
	EnvelopeID string      `json:"envelope_id"`
	PartyID    string      `json:"party_id"`
	Email      string      `json:"email"`
	Role       PartyRole   `json:"role"`
	Status     PartyStatus `json:"status"`
	Sequence   int         `json:"sequence,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Reason     string      `json:"reason,omitempty"`
}

// DelegationEvent is the payload for party.delegated.
type DelegationEvent struct {
	TenantID        string    `json:"tenant_id"`
	EnvelopeID      string    `json:"envelope_id"`
	OriginalPartyID string    `json:"original_party_id"`
	DelegatePartyID string    `json:"delegate_party_id"`
	DelegateEmail   string    `json:"delegate_email"`
	Role            PartyRole `json:"role"`
	Sequence        int       `json:"sequence"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// OTPEvent is the payload for otp.requested and otp.verified. Code carries
// the plaintext secret on otp.requested only, for the notification consumer;
// it is never persisted by the core.
type OTPEvent struct {
	TenantID   string     `json:"tenant_id"`
	EnvelopeID string     `json:"envelope_id"`
	PartyID    string     `json:"party_id"`
	Channel    OTPChannel `json:"channel,omitempty"`
	Code       string     `json:"code,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

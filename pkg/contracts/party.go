package contracts

import "time"

// PartyRole is a participant's role on an envelope.
type PartyRole string

const (
	RoleSigner   PartyRole = "signer"
	RoleApprover PartyRole = "approver"
	RoleViewer   PartyRole = "viewer"
	RoleDelegate PartyRole = "delegate"
)

// PartyStatus is the lifecycle state of a party.
type PartyStatus string

const (
	PartyPending    PartyStatus = "pending"
	PartyInvited    PartyStatus = "invited"
	PartyOTPPending PartyStatus = "otp_pending"
	PartySigned     PartyStatus = "signed"
	PartyDeclined   PartyStatus = "declined"
	PartyDelegated  PartyStatus = "delegated"
)

// Terminal reports whether the party can take no further action.
func (s PartyStatus) Terminal() bool {
	switch s {
	case PartySigned, PartyDeclined, PartyDelegated:
		return true
	}
	return false
}

// OTPChannel is the delivery channel for one-time codes.
type OTPChannel string

const (
	ChannelEmail OTPChannel = "email"
	ChannelSMS   OTPChannel = "sms"
)

// OTPState holds the one-time-code challenge for a party. Only the bcrypt
// hash of the code is stored; the secret itself leaves the process exactly
// once, through the notification event payload.
type OTPState struct {
	CodeHash   string     `json:"code_hash"`
	Channel    OTPChannel `json:"channel"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Tries      int        `json:"tries"`
	MaxTries   int        `json:"max_tries"`
	CreatedAt  time.Time  `json:"created_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Expired reports whether the challenge has passed its deadline.
func (o *OTPState) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Locked reports whether the challenge has exhausted its attempts.
func (o *OTPState) Locked() bool {
	return o.Tries >= o.MaxTries
}

// Verified reports whether the challenge has been solved.
func (o *OTPState) Verified() bool {
	return o.VerifiedAt != nil
}

// Party is a participant on an envelope with a role and, for non-viewers, a
// position in the signing order.
type Party struct {
	EnvelopeID string      `json:"envelope_id"`
	ID         string      `json:"id"`
	Email      string      `json:"email"`
	Name       string      `json:"name,omitempty"`
	Role       PartyRole   `json:"role"`
	Status     PartyStatus `json:"status"`

	// Sequence is the 1-based signing-order position. Zero for viewers.
	Sequence int `json:"sequence,omitempty"`

	OTP           *OTPState  `json:"otp,omitempty"`
	ConsentAt     *time.Time `json:"consent_at,omitempty"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	DelegatedTo   string     `json:"delegated_to,omitempty"`
	DelegatedFrom string     `json:"delegated_from,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Version int64 `json:"version"`
}

// Active reports whether the party participates in signing-order checks.
// Viewers observe only; delegated parties have been replaced by their
// delegate.
func (p *Party) Active() bool {
	return p.Role != RoleViewer && p.Status != PartyDelegated
}

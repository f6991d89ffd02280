package workflow

import (
	"context"
	"time"

	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/outbox"
)

// RequestOTPCommand asks for a fresh one-time code.
type RequestOTPCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	PartyID    string `json:"party_id"`
	// RequestID distinguishes deliberate resends. Submissions with the same
	// RequestID replay the original challenge instead of issuing a new code.
	RequestID string               `json:"request_id,omitempty"`
	Channel   contracts.OTPChannel `json:"channel,omitempty"`
	Token     string               `json:"token,omitempty"`
}

// OTPChallenge describes an issued code without disclosing it. The code
// itself travels only in the staged notification event.
type OTPChallenge struct {
	PartyID   string               `json:"party_id"`
	Channel   contracts.OTPChannel `json:"channel"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// RequestOTP issues a one-time code for a party, replacing any previous
// challenge. Requests are rate limited per party; a denial reports the
// cooldown until the window resets.
func (e *Engine) RequestOTP(ctx context.Context, cmd RequestOTPCommand) (*OTPChallenge, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" || cmd.PartyID == "" {
		return nil, validationErr("tenant, envelope and party ids are required")
	}
	channel := cmd.Channel
	if channel == "" {
		channel = contracts.ChannelEmail
	}
	if channel != contracts.ChannelEmail && channel != contracts.ChannelSMS {
		return nil, validationErr("unknown delivery channel %q", cmd.Channel)
	}
	if err := e.authorizeParty(cmd.Token, cmd.TenantID, cmd.EnvelopeID, cmd.PartyID); err != nil {
		return nil, err
	}

	// Both survive conflict retries: quota is charged once and the same code
	// is delivered even if the party write has to be retried.
	var quotaCharged bool
	var code string
	return runCommand(ctx, e, "otp.request", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*OTPChallenge, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		switch env.Status {
		case contracts.EnvelopeSent, contracts.EnvelopeReadyForSignature, contracts.EnvelopePartiallySigned:
		case contracts.EnvelopeDraft:
			return nil, stateConflict("envelope has not been sent")
		default:
			return nil, stateConflict("envelope is already %s", env.Status)
		}
		p, err := e.loadParty(ctx, env.ID, cmd.PartyID)
		if err != nil {
			return nil, err
		}
		if p.Status != contracts.PartyInvited && p.Status != contracts.PartyOTPPending {
			if p.Status == contracts.PartyPending {
				return nil, stateConflict("party has not been invited")
			}
			return nil, stateConflict("party is %s and cannot request a code", p.Status)
		}

		if e.otpLimiter != nil && !quotaCharged {
			d, err := e.otpLimiter.Allow(ctx, "otp:"+env.ID+"/"+p.ID)
			if err != nil {
				return nil, err
			}
			if !d.Allowed {
				e.log.WarnContext(ctx, "otp request throttled",
					"envelope_id", env.ID, "party_id", p.ID, "retry_after", d.RetryAfter)
				return nil, rateLimited(d.RetryAfter)
			}
			quotaCharged = true
		}

		if code == "" {
			if code, err = newOTPCode(); err != nil {
				return nil, err
			}
		}
		hash, err := hashOTPCode(code)
		if err != nil {
			return nil, err
		}

		now := e.clock.Now()
		expiresAt := now.Add(e.cfg.OTPTTL)
		p.OTP = &contracts.OTPState{
			CodeHash:  hash,
			Channel:   channel,
			ExpiresAt: expiresAt,
			MaxTries:  e.cfg.OTPMaxTries,
			CreatedAt: now,
		}
		p.Status = contracts.PartyOTPPending
		p.UpdatedAt = now
		if err := e.store.UpdateParty(ctx, p, p.Version); err != nil {
			return nil, err
		}

		// The audit trail records that a code was issued, never the code.
		if err := e.appendAudit(ctx, env, contracts.EventOTPRequested, p.Email, map[string]any{
			"party_id": p.ID,
			"channel":  string(channel),
		}); err != nil {
			return nil, err
		}
		if err := e.stage(ctx, outbox.Event{
			ID:   eventID(fp, contracts.EventOTPRequested, p.ID),
			Type: contracts.EventOTPRequested,
			Payload: contracts.OTPEvent{
				TenantID:   env.TenantID,
				EnvelopeID: env.ID,
				PartyID:    p.ID,
				Channel:    channel,
				Code:       code,
				ExpiresAt:  &expiresAt,
				OccurredAt: now,
			},
		}); err != nil {
			return nil, err
		}
		return &OTPChallenge{PartyID: p.ID, Channel: channel, ExpiresAt: expiresAt}, nil
	})
}

// VerifyOTPCommand submits a code for verification.
type VerifyOTPCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	PartyID    string `json:"party_id"`
	Code       string `json:"code"`
	Token      string `json:"token,omitempty"`
}

// VerifyOTP checks a submitted code against the party's challenge. Wrong
// codes burn an attempt; a locked challenge rejects even the correct code
// until a new one is requested. The first verification on a sent envelope
// moves it to ready_for_signature.
func (e *Engine) VerifyOTP(ctx context.Context, cmd VerifyOTPCommand) (*PartyResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" || cmd.PartyID == "" {
		return nil, validationErr("tenant, envelope and party ids are required")
	}
	if cmd.Code == "" {
		return nil, validationErr("code is required")
	}
	if err := e.authorizeParty(cmd.Token, cmd.TenantID, cmd.EnvelopeID, cmd.PartyID); err != nil {
		return nil, err
	}

	var verifiedHere bool
	return runCommand(ctx, e, "otp.verify", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*PartyResult, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		switch env.Status {
		case contracts.EnvelopeSent, contracts.EnvelopeReadyForSignature, contracts.EnvelopePartiallySigned:
		case contracts.EnvelopeDraft:
			return nil, stateConflict("envelope has not been sent")
		default:
			return nil, stateConflict("envelope is already %s", env.Status)
		}
		p, err := e.loadParty(ctx, env.ID, cmd.PartyID)
		if err != nil {
			return nil, err
		}
		if p.OTP == nil {
			return nil, stateConflict("no verification code has been requested")
		}

		if !verifiedHere {
			if p.OTP.Verified() {
				// Already verified by an earlier command; idempotent success.
				return &PartyResult{Envelope: env, Party: p}, nil
			}
			// Lockout is checked before the code: a locked challenge rejects
			// even the correct code.
			if p.OTP.Locked() {
				return nil, otpLocked()
			}
			now := e.clock.Now()
			if p.OTP.Expired(now) {
				return nil, otpInvalid("code has expired, request a new one")
			}
			if !otpCodeMatches(p.OTP.CodeHash, cmd.Code) {
				p.OTP.Tries++
				p.UpdatedAt = now
				if err := e.store.UpdateParty(ctx, p, p.Version); err != nil {
					return nil, err
				}
				if p.OTP.Locked() {
					return nil, otpLocked()
				}
				return nil, otpInvalid("incorrect code")
			}

			p.OTP.VerifiedAt = &now
			p.UpdatedAt = now
			if err := e.store.UpdateParty(ctx, p, p.Version); err != nil {
				return nil, err
			}
			verifiedHere = true
		}

		if env.Status == contracts.EnvelopeSent {
			env.Status = contracts.EnvelopeReadyForSignature
			env.UpdatedAt = e.clock.Now()
			if err := e.store.UpdateEnvelope(ctx, env, env.Version); err != nil {
				return nil, err
			}
		}

		if err := e.appendAudit(ctx, env, contracts.EventOTPVerified, p.Email, map[string]any{
			"party_id": p.ID,
		}); err != nil {
			return nil, err
		}
		if err := e.stage(ctx, outbox.Event{
			ID:   eventID(fp, contracts.EventOTPVerified, p.ID),
			Type: contracts.EventOTPVerified,
			Payload: contracts.OTPEvent{
				TenantID:   env.TenantID,
				EnvelopeID: env.ID,
				PartyID:    p.ID,
				OccurredAt: e.clock.Now(),
			},
		}); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "otp verified",
			"tenant_id", env.TenantID, "envelope_id", env.ID, "party_id", p.ID)
		return &PartyResult{Envelope: env, Party: p}, nil
	})
}

package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/store"
)

// CreateEnvelopeCommand opens a new envelope in draft.
type CreateEnvelopeCommand struct {
	TenantID string `json:"tenant_id"`
	// EnvelopeID is optional; when empty the engine derives a stable id from
	// the command fingerprint.
	EnvelopeID  string                `json:"envelope_id,omitempty"`
	Title       string                `json:"title"`
	SigningMode contracts.SigningMode `json:"signing_mode,omitempty"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
	Actor       string                `json:"actor"`
}

// EnvelopeResult is the outcome of envelope-level commands.
type EnvelopeResult struct {
	Envelope *contracts.Envelope `json:"envelope"`
}

// CreateEnvelope creates a draft envelope. Sequential signing is the default
// mode.
func (e *Engine) CreateEnvelope(ctx context.Context, cmd CreateEnvelopeCommand) (*EnvelopeResult, error) {
	if cmd.TenantID == "" {
		return nil, validationErr("tenant id is required")
	}
	if strings.TrimSpace(cmd.Title) == "" {
		return nil, validationErr("title is required")
	}
	mode := cmd.SigningMode
	if mode == "" {
		mode = contracts.SigningSequential
	}
	if mode != contracts.SigningSequential && mode != contracts.SigningParallel {
		return nil, validationErr("unknown signing mode %q", cmd.SigningMode)
	}

	return runCommand(ctx, e, "envelopes.create", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*EnvelopeResult, error) {
		now := e.clock.Now()
		if cmd.ExpiresAt != nil && !cmd.ExpiresAt.After(now) {
			return nil, validationErr("expiry must be in the future")
		}
		id := cmd.EnvelopeID
		if id == "" {
			id = derivedID("env", fp)
		}
		env := &contracts.Envelope{
			TenantID:    cmd.TenantID,
			ID:          id,
			Title:       strings.TrimSpace(cmd.Title),
			Status:      contracts.EnvelopeDraft,
			SigningMode: mode,
			ExpiresAt:   cmd.ExpiresAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.CreateEnvelope(ctx, env); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return nil, stateConflict("envelope %s already exists", id)
			}
			return nil, err
		}
		if err := e.appendAudit(ctx, env, contracts.EventEnvelopeCreated, cmd.Actor, map[string]any{
			"title":        env.Title,
			"signing_mode": string(mode),
		}); err != nil {
			return nil, err
		}
		if err := e.stageEnvelopeEvent(ctx, fp, env, contracts.EventEnvelopeCreated, cmd.Actor, ""); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "envelope created",
			"tenant_id", env.TenantID, "envelope_id", env.ID, "signing_mode", string(mode))
		return &EnvelopeResult{Envelope: env}, nil
	})
}

// SendEnvelopeCommand moves a draft envelope into circulation.
type SendEnvelopeCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	Actor      string `json:"actor"`
}

// SendEnvelope validates the signing order, transitions the envelope to sent
// and invites every pending party. Requires at least one signer.
func (e *Engine) SendEnvelope(ctx context.Context, cmd SendEnvelopeCommand) (*EnvelopeResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" {
		return nil, validationErr("tenant id and envelope id are required")
	}

	return runCommand(ctx, e, "envelopes.send", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*EnvelopeResult, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		if env.Status != contracts.EnvelopeDraft {
			return nil, stateConflict("envelope is %s, only draft envelopes can be sent", env.Status)
		}
		parties, err := e.store.ListParties(ctx, env.ID)
		if err != nil {
			return nil, err
		}
		signers := 0
		for _, p := range parties {
			if p.Role == contracts.RoleSigner {
				signers++
			}
		}
		if signers == 0 {
			return nil, validationErr("envelope needs at least one signer before sending")
		}
		if env.SigningMode == contracts.SigningSequential {
			if err := ValidateSigningOrder(parties); err != nil {
				return nil, err
			}
		}

		now := e.clock.Now()
		env.Status = contracts.EnvelopeSent
		env.SentAt = &now
		env.UpdatedAt = now
		if err := e.store.UpdateEnvelope(ctx, env, env.Version); err != nil {
			return nil, err
		}
		for _, p := range parties {
			if p.Status != contracts.PartyPending {
				continue
			}
			p.Status = contracts.PartyInvited
			p.UpdatedAt = now
			if err := e.store.UpdateParty(ctx, p, p.Version); err != nil {
				return nil, err
			}
		}
		if err := e.appendAudit(ctx, env, contracts.EventEnvelopeSent, cmd.Actor, map[string]any{
			"party_count": len(parties),
		}); err != nil {
			return nil, err
		}
		if err := e.stageEnvelopeEvent(ctx, fp, env, contracts.EventEnvelopeSent, cmd.Actor, ""); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "envelope sent",
			"tenant_id", env.TenantID, "envelope_id", env.ID, "parties", len(parties))
		return &EnvelopeResult{Envelope: env}, nil
	})
}

// CancelEnvelopeCommand withdraws an envelope from circulation.
type CancelEnvelopeCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason,omitempty"`
}

// CancelEnvelope transitions any non-terminal envelope to cancelled.
func (e *Engine) CancelEnvelope(ctx context.Context, cmd CancelEnvelopeCommand) (*EnvelopeResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" {
		return nil, validationErr("tenant id and envelope id are required")
	}

	return runCommand(ctx, e, "envelopes.cancel", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*EnvelopeResult, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		if env.Status.Terminal() {
			return nil, stateConflict("envelope is already %s", env.Status)
		}

		env.Status = contracts.EnvelopeCancelled
		env.UpdatedAt = e.clock.Now()
		if err := e.store.UpdateEnvelope(ctx, env, env.Version); err != nil {
			return nil, err
		}
		if err := e.appendAudit(ctx, env, contracts.EventEnvelopeCancelled, cmd.Actor, map[string]any{
			"reason": cmd.Reason,
		}); err != nil {
			return nil, err
		}
		if err := e.stageEnvelopeEvent(ctx, fp, env, contracts.EventEnvelopeCancelled, cmd.Actor, cmd.Reason); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "envelope cancelled",
			"tenant_id", env.TenantID, "envelope_id", env.ID, "reason", cmd.Reason)
		return &EnvelopeResult{Envelope: env}, nil
	})
}

// ExpireEnvelopeCommand applies a reached expiry deadline. Issued by the
// expiry sweeper, not by end users.
type ExpireEnvelopeCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	Actor      string `json:"actor"`
}

// ExpireEnvelope transitions a non-terminal envelope whose deadline has
// passed to expired.
func (e *Engine) ExpireEnvelope(ctx context.Context, cmd ExpireEnvelopeCommand) (*EnvelopeResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" {
		return nil, validationErr("tenant id and envelope id are required")
	}

	return runCommand(ctx, e, "envelopes.expire", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*EnvelopeResult, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		if env.Status.Terminal() {
			return nil, stateConflict("envelope is already %s", env.Status)
		}
		if env.ExpiresAt == nil {
			return nil, stateConflict("envelope has no expiry deadline")
		}
		now := e.clock.Now()
		if now.Before(*env.ExpiresAt) {
			return nil, stateConflict("envelope does not expire until %s", env.ExpiresAt.Format(time.RFC3339))
		}

		env.Status = contracts.EnvelopeExpired
		env.UpdatedAt = now
		if err := e.store.UpdateEnvelope(ctx, env, env.Version); err != nil {
			return nil, err
		}
		if err := e.appendAudit(ctx, env, contracts.EventEnvelopeExpired, cmd.Actor, map[string]any{
			"expired_at": env.ExpiresAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
		if err := e.stageEnvelopeEvent(ctx, fp, env, contracts.EventEnvelopeExpired, cmd.Actor, ""); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "envelope expired",
			"tenant_id", env.TenantID, "envelope_id", env.ID)
		return &EnvelopeResult{Envelope: env}, nil
	})
}

package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/store"
)

// AddPartyCommand attaches a participant to a draft envelope.
type AddPartyCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	// PartyID is optional; when empty the engine derives a stable id from
	// the command fingerprint.
	PartyID string              `json:"party_id,omitempty"`
	Email   string              `json:"email"`
	Name    string              `json:"name,omitempty"`
	Role    contracts.PartyRole `json:"role"`
	// Sequence is the 1-based signing position. Must be zero for viewers.
	Sequence int    `json:"sequence,omitempty"`
	Actor    string `json:"actor"`
}

// PartyResult is the outcome of party-level commands.
type PartyResult struct {
	Envelope *contracts.Envelope `json:"envelope"`
	Party    *contracts.Party    `json:"party"`
}

// AddParty adds a party to a draft envelope. Emails are unique per envelope,
// case-insensitively. Delegate parties cannot be added directly; they are
// created through DelegateParty.
func (e *Engine) AddParty(ctx context.Context, cmd AddPartyCommand) (*PartyResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" {
		return nil, validationErr("tenant id and envelope id are required")
	}
	email, err := normalizeEmail(cmd.Email)
	if err != nil {
		return nil, err
	}
	switch cmd.Role {
	case contracts.RoleSigner, contracts.RoleApprover:
		if cmd.Sequence < 1 {
			return nil, validationErr("%s parties need a signing position of 1 or higher", cmd.Role)
		}
	case contracts.RoleViewer:
		if cmd.Sequence != 0 {
			return nil, validationErr("viewers take no signing position")
		}
	case contracts.RoleDelegate:
		return nil, validationErr("delegate parties are created through delegation")
	default:
		return nil, validationErr("unknown party role %q", cmd.Role)
	}

	return runCommand(ctx, e, "parties.add", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*PartyResult, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		if env.Status != contracts.EnvelopeDraft {
			return nil, stateConflict("parties can only be added while the envelope is draft")
		}

		id := cmd.PartyID
		if id == "" {
			id = derivedID("pty", fp)
		}

		existing, err := e.store.FindPartyByEmail(ctx, env.ID, email)
		switch {
		case err == nil && existing.ID != id:
			return nil, stateConflict("a party with email %s already exists on this envelope", email)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		now := e.clock.Now()
		p := existing
		if p == nil {
			p = &contracts.Party{
				EnvelopeID: env.ID,
				ID:         id,
				Email:      email,
				Name:       strings.TrimSpace(cmd.Name),
				Role:       cmd.Role,
				Status:     contracts.PartyPending,
				Sequence:   cmd.Sequence,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := e.store.CreateParty(ctx, p); err != nil {
				if errors.Is(err, store.ErrConditionFailed) {
					return nil, stateConflict("party %s already exists", id)
				}
				return nil, err
			}
		}

		if !containsID(env.PartyIDs, id) {
			env.PartyIDs = append(env.PartyIDs, id)
			env.UpdatedAt = now
			if err := e.store.UpdateEnvelope(ctx, env, env.Version); err != nil {
				return nil, err
			}
		}
		if err := e.appendAudit(ctx, env, contracts.EventPartyAdded, cmd.Actor, map[string]any{
			"party_id": p.ID,
			"email":    p.Email,
			"role":     string(p.Role),
			"sequence": p.Sequence,
		}); err != nil {
			return nil, err
		}
		if err := e.stagePartyEvent(ctx, fp, env, p, contracts.EventPartyAdded, ""); err != nil {
			return nil, err
		}
		return &PartyResult{Envelope: env, Party: p}, nil
	})
}

// ConsentCommand records a party's agreement to conduct business
// electronically.
type ConsentCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	PartyID    string `json:"party_id"`
	Token      string `json:"token,omitempty"`
}

// RecordConsent stamps consent on an invited party. Recording consent twice
// is a no-op success.
func (e *Engine) RecordConsent(ctx context.Context, cmd ConsentCommand) (*PartyResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" || cmd.PartyID == "" {
		return nil, validationErr("tenant, envelope and party ids are required")
	}
	if err := e.authorizeParty(cmd.Token, cmd.TenantID, cmd.EnvelopeID, cmd.PartyID); err != nil {
		return nil, err
	}

	return runCommand(ctx, e, "parties.consent", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*PartyResult, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		if env.Status.Terminal() {
			return nil, stateConflict("envelope is already %s", env.Status)
		}
		p, err := e.loadParty(ctx, env.ID, cmd.PartyID)
		if err != nil {
			return nil, err
		}
		if p.ConsentAt != nil {
			return &PartyResult{Envelope: env, Party: p}, nil
		}
		if p.Status != contracts.PartyInvited && p.Status != contracts.PartyOTPPending {
			return nil, stateConflict("party is %s and cannot record consent", p.Status)
		}

		now := e.clock.Now()
		p.ConsentAt = &now
		p.UpdatedAt = now
		if err := e.store.UpdateParty(ctx, p, p.Version); err != nil {
			return nil, err
		}
		if err := e.appendAudit(ctx, env, contracts.EventPartyConsented, p.Email, map[string]any{
			"party_id": p.ID,
		}); err != nil {
			return nil, err
		}
		if err := e.stagePartyEvent(ctx, fp, env, p, contracts.EventPartyConsented, ""); err != nil {
			return nil, err
		}
		return &PartyResult{Envelope: env, Party: p}, nil
	})
}

// SignPartyCommand applies a party's signature.
type SignPartyCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	PartyID    string `json:"party_id"`
	Token      string `json:"token,omitempty"`
}

// SignParty records a signature, enforcing signing order in sequential mode,
// and advances the envelope to partially_signed or completed.
func (e *Engine) SignParty(ctx context.Context, cmd SignPartyCommand) (*PartyResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" || cmd.PartyID == "" {
		return nil, validationErr("tenant, envelope and party ids are required")
	}
	if err := e.authorizeParty(cmd.Token, cmd.TenantID, cmd.EnvelopeID, cmd.PartyID); err != nil {
		return nil, err
	}

	// signed survives conflict retries of the body: once our party write has
	// landed, a retry must finish the envelope transition instead of
	// reporting the party as already signed.
	var signed bool
	return runCommand(ctx, e, "parties.sign", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*PartyResult, error) {
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

		if !signed {
			if p.Status == contracts.PartySigned {
				return nil, stateConflict("party %s has already signed", p.ID)
			}
			if p.Status.Terminal() {
				return nil, stateConflict("party is %s and can no longer sign", p.Status)
			}
			if p.Role == contracts.RoleViewer {
				return nil, stateConflict("viewers cannot sign")
			}
			if p.Status == contracts.PartyPending {
				return nil, stateConflict("party has not been invited")
			}
			if p.OTP != nil && !p.OTP.Verified() {
				return nil, stateConflict("identity verification is pending")
			}
			if e.cfg.RequireOTP && (p.OTP == nil || !p.OTP.Verified()) {
				return nil, stateConflict("identity verification is required before signing")
			}
			if e.cfg.RequireConsent && p.ConsentAt == nil {
				return nil, stateConflict("consent must be recorded before signing")
			}

			parties, err := e.store.ListParties(ctx, env.ID)
			if err != nil {
				return nil, err
			}
			if err := checkTurn(env.SigningMode, parties, p); err != nil {
				return nil, err
			}

			now := e.clock.Now()
			p.Status = contracts.PartySigned
			p.SignedAt = &now
			p.UpdatedAt = now
			if err := e.store.UpdateParty(ctx, p, p.Version); err != nil {
				return nil, err
			}
			signed = true
		}

		parties, err := e.store.ListParties(ctx, env.ID)
		if err != nil {
			return nil, err
		}
		target := contracts.EnvelopePartiallySigned
		if allSigned(parties) {
			target = contracts.EnvelopeCompleted
		}
		if env.Status != target {
			env.Status = target
			env.UpdatedAt = e.clock.Now()
			if err := e.store.UpdateEnvelope(ctx, env, env.Version); err != nil {
				return nil, err
			}
		}

		if err := e.appendAudit(ctx, env, contracts.EventPartySigned, p.Email, map[string]any{
			"party_id": p.ID,
			"sequence": p.Sequence,
		}); err != nil {
			return nil, err
		}
		if err := e.stagePartyEvent(ctx, fp, env, p, contracts.EventPartySigned, ""); err != nil {
			return nil, err
		}
		if target == contracts.EnvelopeCompleted {
			if err := e.appendAudit(ctx, env, contracts.EventEnvelopeCompleted, p.Email, nil); err != nil {
				return nil, err
			}
			if err := e.stageEnvelopeEvent(ctx, fp, env, contracts.EventEnvelopeCompleted, p.Email, ""); err != nil {
				return nil, err
			}
		}
		e.log.InfoContext(ctx, "party signed",
			"tenant_id", env.TenantID, "envelope_id", env.ID,
			"party_id", p.ID, "envelope_status", string(env.Status))
		return &PartyResult{Envelope: env, Party: p}, nil
	})
}

// DeclinePartyCommand refuses to sign, terminating the envelope.
type DeclinePartyCommand struct {
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	PartyID    string `json:"party_id"`
	Token      string `json:"token,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// DeclineParty records a refusal. One decline terminates the whole envelope.
func (e *Engine) DeclineParty(ctx context.Context, cmd DeclinePartyCommand) (*PartyResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" || cmd.PartyID == "" {
		return nil, validationErr("tenant, envelope and party ids are required")
	}
	if err := e.authorizeParty(cmd.Token, cmd.TenantID, cmd.EnvelopeID, cmd.PartyID); err != nil {
		return nil, err
	}

	var declined bool
	return runCommand(ctx, e, "parties.decline", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*PartyResult, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		if !declined {
			switch env.Status {
			case contracts.EnvelopeSent, contracts.EnvelopeReadyForSignature, contracts.EnvelopePartiallySigned:
			case contracts.EnvelopeDraft:
				return nil, stateConflict("envelope has not been sent")
			default:
				return nil, stateConflict("envelope is already %s", env.Status)
			}
		}
		p, err := e.loadParty(ctx, env.ID, cmd.PartyID)
		if err != nil {
			return nil, err
		}
		if !declined {
			if p.Status.Terminal() {
				return nil, stateConflict("party is %s and can no longer decline", p.Status)
			}
			if p.Status == contracts.PartyPending {
				return nil, stateConflict("party has not been invited")
			}

			now := e.clock.Now()
			p.Status = contracts.PartyDeclined
			p.UpdatedAt = now
			if err := e.store.UpdateParty(ctx, p, p.Version); err != nil {
				return nil, err
			}
			declined = true
		}

		if env.Status != contracts.EnvelopeDeclined {
			env.Status = contracts.EnvelopeDeclined
			env.UpdatedAt = e.clock.Now()
			if err := e.store.UpdateEnvelope(ctx, env, env.Version); err != nil {
				return nil, err
			}
		}

		if err := e.appendAudit(ctx, env, contracts.EventPartyDeclined, p.Email, map[string]any{
			"party_id": p.ID,
			"reason":   cmd.Reason,
		}); err != nil {
			return nil, err
		}
		if err := e.stagePartyEvent(ctx, fp, env, p, contracts.EventPartyDeclined, cmd.Reason); err != nil {
			return nil, err
		}
		if err := e.appendAudit(ctx, env, contracts.EventEnvelopeDeclined, p.Email, map[string]any{
			"reason": cmd.Reason,
		}); err != nil {
			return nil, err
		}
		if err := e.stageEnvelopeEvent(ctx, fp, env, contracts.EventEnvelopeDeclined, p.Email, cmd.Reason); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "party declined",
			"tenant_id", env.TenantID, "envelope_id", env.ID,
			"party_id", p.ID, "reason", cmd.Reason)
		return &PartyResult{Envelope: env, Party: p}, nil
	})
}

// DelegatePartyCommand hands a signer's obligation to a substitute.
type DelegatePartyCommand struct {
	TenantID      string `json:"tenant_id"`
	EnvelopeID    string `json:"envelope_id"`
	PartyID       string `json:"party_id"`
	DelegateEmail string `json:"delegate_email"`
	DelegateName  string `json:"delegate_name,omitempty"`
	Token         string `json:"token,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// DelegationResult is the outcome of DelegateParty.
type DelegationResult struct {
	Envelope *contracts.Envelope `json:"envelope"`
	Original *contracts.Party    `json:"original"`
	Delegate *contracts.Party    `json:"delegate"`
}

// DelegateParty replaces an unsigned signer with a new party at the same
// role and signing position. The original party becomes delegated and takes
// no further part.
func (e *Engine) DelegateParty(ctx context.Context, cmd DelegatePartyCommand) (*DelegationResult, error) {
	if cmd.TenantID == "" || cmd.EnvelopeID == "" || cmd.PartyID == "" {
		return nil, validationErr("tenant, envelope and party ids are required")
	}
	email, err := normalizeEmail(cmd.DelegateEmail)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeParty(cmd.Token, cmd.TenantID, cmd.EnvelopeID, cmd.PartyID); err != nil {
		return nil, err
	}

	return runCommand(ctx, e, "parties.delegate", cmd.TenantID, cmd, func(ctx context.Context, fp string) (*DelegationResult, error) {
		env, err := e.loadEnvelope(ctx, cmd.TenantID, cmd.EnvelopeID)
		if err != nil {
			return nil, err
		}
		if env.Status.Terminal() {
			return nil, stateConflict("envelope is already %s", env.Status)
		}
		orig, err := e.loadParty(ctx, env.ID, cmd.PartyID)
		if err != nil {
			return nil, err
		}
		if orig.Role != contracts.RoleSigner {
			return nil, stateConflict("only signers can delegate")
		}
		if orig.Status.Terminal() {
			return nil, stateConflict("party is %s and can no longer delegate", orig.Status)
		}
		if strings.EqualFold(orig.Email, email) {
			return nil, validationErr("cannot delegate to the party's own address")
		}

		delegateID := derivedID("pty", fp)
		existing, err := e.store.FindPartyByEmail(ctx, env.ID, email)
		switch {
		case err == nil && existing.ID != delegateID:
			return nil, stateConflict("a party with email %s already exists on this envelope", email)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		now := e.clock.Now()
		del := existing
		if del == nil {
			status := contracts.PartyInvited
			if orig.Status == contracts.PartyPending {
				status = contracts.PartyPending
			}
			del = &contracts.Party{
				EnvelopeID:    env.ID,
				ID:            delegateID,
				Email:         email,
				Name:          strings.TrimSpace(cmd.DelegateName),
				Role:          orig.Role,
				Status:        status,
				Sequence:      orig.Sequence,
				DelegatedFrom: orig.ID,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := e.store.CreateParty(ctx, del); err != nil {
				if errors.Is(err, store.ErrConditionFailed) {
					return nil, stateConflict("party %s already exists", delegateID)
				}
				return nil, err
			}
		}

		if orig.Status != contracts.PartyDelegated {
			orig.Status = contracts.PartyDelegated
			orig.DelegatedTo = del.ID
			orig.UpdatedAt = now
			if err := e.store.UpdateParty(ctx, orig, orig.Version); err != nil {
				return nil, err
			}
		}
		if !containsID(env.PartyIDs, del.ID) {
			env.PartyIDs = append(env.PartyIDs, del.ID)
			env.UpdatedAt = now
			if err := e.store.UpdateEnvelope(ctx, env, env.Version); err != nil {
				return nil, err
			}
		}

		if err := e.appendAudit(ctx, env, contracts.EventPartyDelegated, orig.Email, map[string]any{
			"party_id":          orig.ID,
			"delegate_party_id": del.ID,
			"delegate_email":    del.Email,
			"sequence":          del.Sequence,
		}); err != nil {
			return nil, err
		}
		if err := e.stage(ctx, outboxDelegationEvent(fp, env, orig, del, e.clock.Now())); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "party delegated",
			"tenant_id", env.TenantID, "envelope_id", env.ID,
			"party_id", orig.ID, "delegate_party_id", del.ID)
		return &DelegationResult{Envelope: env, Original: orig, Delegate: del}, nil
	})
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

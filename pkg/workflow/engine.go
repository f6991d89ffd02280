// Package workflow implements the envelope signing state machine: envelope
// and party lifecycles, strict signing order, OTP identity verification,
// delegation and termination. Every command is deduplicated through a
// content-derived idempotency fingerprint, appends to the tamper-evident
// audit ledger and stages its domain events through the transactional outbox.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signetworks/signet/pkg/audit"
	"github.com/signetworks/signet/pkg/auth"
	"github.com/signetworks/signet/pkg/canonical"
	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/idempotency"
	"github.com/signetworks/signet/pkg/ident"
	"github.com/signetworks/signet/pkg/outbox"
	"github.com/signetworks/signet/pkg/ratelimit"
	"github.com/signetworks/signet/pkg/store"
)

// maxConflictRetries bounds re-execution of a command body when it loses an
// optimistic-concurrency write to a concurrent command.
const maxConflictRetries = 3

// Deps are the collaborators a workflow Engine is composed from. Store,
// Ledger, Outbox, Guard, Clock and IDs are required. OTPLimiter and Tokens
// are optional: a nil limiter never throttles, a nil verifier skips session
// token checks (for embedded, pre-authenticated callers).
type Deps struct {
	Store      store.WorkflowStore
	Ledger     *audit.Ledger
	Outbox     *outbox.Outbox
	Guard      *idempotency.Guard
	OTPLimiter ratelimit.Limiter
	Tokens     auth.TokenVerifier
	Clock      ident.Clock
	IDs        ident.IDGenerator
	Logger     *slog.Logger
}

// Config carries the engine's tunable policy.
type Config struct {
	// IdempotencyTTL is how long a command fingerprint replays its cached
	// result. Default 24h.
	IdempotencyTTL time.Duration
	// OTPTTL is the lifetime of a one-time code. Default 10m.
	OTPTTL time.Duration
	// OTPMaxTries is the number of verification attempts before a code locks.
	// Default 3.
	OTPMaxTries int
	// RequireConsent makes recorded consent a precondition of signing.
	RequireConsent bool
	// RequireOTP makes a verified one-time code a precondition of signing
	// even for parties that never requested one.
	RequireOTP bool
}

func (c Config) withDefaults() Config {
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.OTPTTL <= 0 {
		c.OTPTTL = 10 * time.Minute
	}
	if c.OTPMaxTries <= 0 {
		c.OTPMaxTries = 3
	}
	return c
}

// Engine executes workflow commands against the persistence boundary.
type Engine struct {
	store      store.WorkflowStore
	ledger     *audit.Ledger
	outbox     *outbox.Outbox
	guard      *idempotency.Guard
	otpLimiter ratelimit.Limiter
	tokens     auth.TokenVerifier
	clock      ident.Clock
	ids        ident.IDGenerator
	cfg        Config
	log        *slog.Logger
	tracer     trace.Tracer
}

// NewEngine creates an Engine from deps and cfg.
func NewEngine(deps Deps, cfg Config) *Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      deps.Store,
		ledger:     deps.Ledger,
		outbox:     deps.Outbox,
		guard:      deps.Guard,
		otpLimiter: deps.OTPLimiter,
		tokens:     deps.Tokens,
		clock:      deps.Clock,
		ids:        deps.IDs,
		cfg:        cfg.withDefaults(),
		log:        log.With("component", "workflow"),
		tracer:     otel.Tracer("signet/workflow"),
	}
}

// runCommand is the shared command harness: it derives the idempotency
// fingerprint from the submitted command, wraps the body in the guard so
// duplicates replay the first result, and retries the body a bounded number
// of times when it loses an optimistic-concurrency write. The body receives
// the fingerprint so server-assigned identifiers can be derived from it and
// stay stable across retries.
func runCommand[T any](ctx context.Context, e *Engine, name, scope string, cmd any, body func(ctx context.Context, fingerprint string) (*T, error)) (*T, error) {
	ctx, span := e.tracer.Start(ctx, "workflow."+name)
	defer span.End()

	fp, err := idempotency.Fingerprint(idempotency.Request{
		Method: "POST",
		Path:   name,
		Body:   cmd,
		Scope:  scope,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow.command", name))

	raw, err := e.guard.Run(ctx, fp, e.cfg.IdempotencyTTL, func(ctx context.Context) (any, error) {
		return e.withConflictRetry(ctx, name, func(ctx context.Context) (any, error) {
			return body(ctx, fp)
		})
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrInFlight) {
			// An identical command is executing elsewhere; a retry replays
			// its cached result.
			err = storageConflict()
		}
		span.SetAttributes(attribute.String("workflow.error_code", string(CodeOf(err))))
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("workflow: decode command result: %w", err)
	}
	return out, nil
}

// withConflictRetry re-runs fn when it surfaces a raw conditional-write
// conflict. Command bodies reload all state at the top, so a retry observes
// the concurrent writer's outcome and re-validates against it. Conflicts
// that survive the budget become a retryable STORAGE_CONFLICT.
func (e *Engine) withConflictRetry(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error) {
	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, audit.ErrContention):
			// The ledger already retried internally; surface to the caller.
			return nil, storageConflict()
		case !errors.Is(err, store.ErrConditionFailed):
			return nil, err
		}
		if attempt+1 >= maxConflictRetries {
			e.log.WarnContext(ctx, "command exhausted conflict retries",
				"command", name, "attempts", attempt+1)
			return nil, storageConflict()
		}
		sleepBackoff(attempt)
	}
}

func sleepBackoff(attempt int) {
	base := time.Duration(1<<attempt) * 10 * time.Millisecond
	time.Sleep(base + time.Duration(rand.Intn(10))*time.Millisecond)
}

func (e *Engine) loadEnvelope(ctx context.Context, tenantID, envelopeID string) (*contracts.Envelope, error) {
	env, err := e.store.GetEnvelope(ctx, tenantID, envelopeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("envelope %s not found", envelopeID)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (e *Engine) loadParty(ctx context.Context, envelopeID, partyID string) (*contracts.Party, error) {
	p, err := e.store.GetParty(ctx, envelopeID, partyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("party %s not found", partyID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// authorizeParty validates a signing-session token and its binding to the
// addressed party. No-op when the engine has no verifier.
func (e *Engine) authorizeParty(token, tenantID, envelopeID, partyID string) error {
	if e.tokens == nil {
		return nil
	}
	claims, err := e.tokens.Verify(token)
	if err != nil {
		return validationErr("invalid session token")
	}
	if claims.TenantID != tenantID || claims.EnvelopeID != envelopeID || claims.PartyID != partyID {
		return validationErr("session token is bound to another party")
	}
	return nil
}

func (e *Engine) appendAudit(ctx context.Context, env *contracts.Envelope, eventType, actor string, metadata map[string]any) error {
	_, err := e.ledger.Append(ctx, env.TenantID, env.ID, eventType, actor, metadata)
	return err
}

// stage saves an event whose id was derived from the command fingerprint.
// A duplicate id means an earlier execution of the same command already
// staged this event; the first staging wins.
func (e *Engine) stage(ctx context.Context, ev outbox.Event) error {
	_, err := e.outbox.Save(ctx, ev, traceID(ctx))
	if errors.Is(err, outbox.ErrDuplicateEvent) {
		return nil
	}
	return err
}

func (e *Engine) stageEnvelopeEvent(ctx context.Context, fp string, env *contracts.Envelope, eventType, actor, reason string) error {
	return e.stage(ctx, outbox.Event{
		ID:   eventID(fp, eventType, env.ID),
		Type: eventType,
		Payload: contracts.EnvelopeEvent{
			TenantID:   env.TenantID,
			EnvelopeID: env.ID,
			Status:     env.Status,
			Actor:      actor,
			OccurredAt: e.clock.Now(),
			Reason:     reason,
		},
	})
}

func (e *Engine) stagePartyEvent(ctx context.Context, fp string, env *contracts.Envelope, p *contracts.Party, eventType, reason string) error {
	return e.stage(ctx, outbox.Event{
		ID:   eventID(fp, eventType, p.ID),
		Type: eventType,
		Payload: contracts.PartyEvent{
			TenantID:   env.TenantID,
			EnvelopeID: env.ID,
			PartyID:    p.ID,
			Email:      p.Email,
			Role:       p.Role,
			Status:     p.Status,
			Sequence:   p.Sequence,
			OccurredAt: e.clock.Now(),
			Reason:     reason,
		},
	})
}

func outboxDelegationEvent(fp string, env *contracts.Envelope, orig, del *contracts.Party, now time.Time) outbox.Event {
	return outbox.Event{
		ID:   eventID(fp, contracts.EventPartyDelegated, del.ID),
		Type: contracts.EventPartyDelegated,
		Payload: contracts.DelegationEvent{
			TenantID:        env.TenantID,
			EnvelopeID:      env.ID,
			OriginalPartyID: orig.ID,
			DelegatePartyID: del.ID,
			DelegateEmail:   del.Email,
			Role:            del.Role,
			Sequence:        del.Sequence,
			OccurredAt:      now,
		},
	}
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// normalizeEmail trims and validates an address, returning it lowercased.
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationErr("invalid email address %q", email)
	}
	return strings.ToLower(email), nil
}

// derivedID builds a stable server-assigned identifier from a command
// fingerprint, so retried executions of the same command converge on the
// same record instead of creating siblings.
func derivedID(prefix, fingerprint string) string {
	return prefix + "-" + fingerprint[:32]
}

// eventID derives a stable outbox id from the command fingerprint, the event
// type and the subject record. A re-executed command body stages the same id
// and folds into the record it already wrote.
func eventID(fingerprint, eventType, subject string) string {
	return "evt-" + canonical.HashBytes([]byte(fingerprint + "\x00" + eventType + "\x00" + subject))[:32]
}

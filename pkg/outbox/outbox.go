// Package outbox implements the transactional-outbox producer and the
// delivery dispatcher. Domain events are staged in the same logical unit of
// work as the state mutation that caused them, then delivered asynchronously
// at-least-once; consumers must be idempotent.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/ident"
	"github.com/signetworks/signet/pkg/store"
)

var (
	// ErrUnknownEventType is returned for events with no registered schema.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInvalidPayload is returned when a payload fails schema validation.
	ErrInvalidPayload = errors.New("invalid event payload")
	// ErrDuplicateEvent is returned when an id is staged twice with a
	// different payload. Re-staging an identical event is treated as success.
	ErrDuplicateEvent = errors.New("duplicate outbox event")
)

// Event is a domain event to stage. ID may be left empty to have the outbox
// assign one; handlers that may be retried should pass a stable id so
// double-staging is rejected.
type Event struct {
	ID      string
	Type    string
	Payload any
}

// Outbox stages events for asynchronous delivery.
type Outbox struct {
	store   store.OutboxStore
	clock   ident.Clock
	ids     ident.IDGenerator
	schemas *schemaRegistry
	log     *slog.Logger
}

// New creates an Outbox. It fails only if the embedded payload schemas do
// not compile, which is a build defect.
func New(s store.OutboxStore, clock ident.Clock, ids ident.IDGenerator) (*Outbox, error) {
	schemas, err := newSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &Outbox{
		store:   s,
		clock:   clock,
		ids:     ids,
		schemas: schemas,
		log:     slog.Default().With("component", "outbox"),
	}, nil
}

// Save validates and stages ev as a pending record. Must be called within
// the same logical unit of work as the triggering state mutation.
//
// Duplicate ids are rejected unless the existing record carries the same
// event type and payload, in which case the existing record is returned —
// a retried handler staging the identical event is not an error.
func (o *Outbox) Save(ctx context.Context, ev Event, traceID string) (*contracts.OutboxRecord, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if err := o.schemas.validate(ev.Type, payload); err != nil {
		return nil, err
	}

	id := ev.ID
	if id == "" {
		id = o.ids.NewID()
	}
	rec := &contracts.OutboxRecord{
		ID:         id,
		EventType:  ev.Type,
		Payload:    payload,
		OccurredAt: o.clock.Now(),
		Status:     contracts.OutboxPending,
		TraceID:    traceID,
	}

	err = o.store.CreateEvent(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrConditionFailed) {
		return nil, err
	}

	existing, getErr := o.store.GetEvent(ctx, id)
	if getErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, id)
	}
	if existing.EventType == ev.Type && bytes.Equal(existing.Payload, payload) {
		o.log.DebugContext(ctx, "duplicate save folded", "event_id", id, "event_type", ev.Type)
		return existing, nil
	}
	return nil, fmt.Errorf("%w: %s staged with different payload", ErrDuplicateEvent, id)
}

// PullPending returns the oldest undelivered records — pending and failed
// alike — ordered by occurrence time then id.
func (o *Outbox) PullPending(ctx context.Context, limit int) ([]*contracts.OutboxRecord, error) {
	return o.store.ListPending(ctx, limit)
}

// MarkDispatched records successful delivery and clears any error state.
func (o *Outbox) MarkDispatched(ctx context.Context, id string) error {
	return o.store.MarkDispatched(ctx, id)
}

// MarkFailed records a delivery failure; the record stays retryable.
func (o *Outbox) MarkFailed(ctx context.Context, id string, deliveryErr error) error {
	msg := ""
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}
	return o.store.MarkFailed(ctx, id, msg)
}

package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signetworks/signet/pkg/contracts"
)

// Sink receives delivered events. Delivery is at-least-once; implementations
// must be idempotent on event id.
type Sink interface {
	Deliver(ctx context.Context, rec *contracts.OutboxRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec *contracts.OutboxRecord) error

func (f SinkFunc) Deliver(ctx context.Context, rec *contracts.OutboxRecord) error {
	return f(ctx, rec)
}

// Dispatcher is the reference polling consumer: it pulls pending records,
// hands them to the sink and acknowledges the outcome. It runs independently
// of, and concurrently with, producers.
type Dispatcher struct {
	outbox   *Outbox
	sink     Sink
	interval time.Duration
	batch    int
	log      *slog.Logger
	tracer   trace.Tracer
}

// NewDispatcher creates a Dispatcher polling every interval with the given
// batch size.
func NewDispatcher(o *Outbox, sink Sink, interval time.Duration, batch int) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		outbox:   o,
		sink:     sink,
		interval: interval,
		batch:    batch,
		log:      slog.Default().With("component", "outbox-dispatcher"),
		tracer:   otel.Tracer("signet/outbox"),
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.log.ErrorContext(ctx, "dispatch batch failed", "error", err)
			}
		}
	}
}

// RunOnce processes a single batch and returns the number of records
// successfully dispatched.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	records, err := d.outbox.PullPending(ctx, d.batch)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	dispatched := 0
	for _, rec := range records {
		if err := d.sink.Deliver(ctx, rec); err != nil {
			d.log.WarnContext(ctx, "delivery failed",
				"event_id", rec.ID, "event_type", rec.EventType, "attempts", rec.Attempts, "error", err)
			if markErr := d.outbox.MarkFailed(ctx, rec.ID, err); markErr != nil {
				span.RecordError(markErr)
				return dispatched, markErr
			}
			continue
		}
		if err := d.outbox.MarkDispatched(ctx, rec.ID); err != nil {
			// A crash here re-delivers the event next poll; consumers are
			// idempotent so this is safe.
			span.RecordError(err)
			return dispatched, err
		}
		dispatched++
	}
	span.SetAttributes(
		attribute.Int("outbox.pulled", len(records)),
		attribute.Int("outbox.dispatched", dispatched),
	)
	return dispatched, nil
}

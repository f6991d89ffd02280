package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signetworks/signet/pkg/contracts"
)

func TestPostgresOutboxStore_CreateEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresOutboxStore(db)
	ctx := context.Background()
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := &contracts.OutboxRecord{
		ID:         "evt-1",
		EventType:  contracts.EventEnvelopeSent,
		Payload:    json.RawMessage(`{"envelope_id":"env-1"}`),
		OccurredAt: occurred,
		Status:     contracts.OutboxPending,
		TraceID:    "trace-1",
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WithArgs("evt-1", contracts.EventEnvelopeSent, "pending", occurred, 0, "", []byte(rec.Payload), "trace-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, s.CreateEvent(ctx, rec))

	// ON CONFLICT DO NOTHING reports zero affected rows for a duplicate id.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WithArgs("evt-1", contracts.EventEnvelopeSent, "pending", occurred, 0, "", []byte(rec.Payload), "trace-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.CreateEvent(ctx, rec), ErrConditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_ListPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresOutboxStore(db)
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "event_type", "status", "occurred_at", "attempts", "last_error", "payload", "trace_id"}).
		AddRow("evt-1", contracts.EventEnvelopeSent, "pending", occurred, 0, "", []byte(`{"envelope_id":"env-1"}`), "").
		AddRow("evt-2", contracts.EventPartySigned, "failed", occurred.Add(time.Second), 2, "smtp timeout", []byte(`{"party_id":"p-1"}`), "")

	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_events")).
		WithArgs(10).
		WillReturnRows(rows)

	pending, err := s.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "evt-1", pending[0].ID)
	assert.Equal(t, contracts.OutboxFailed, pending[1].Status)
	assert.Equal(t, 2, pending[1].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxStore_MarkTransitions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresOutboxStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'dispatched'")).
		WithArgs("evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, s.MarkDispatched(ctx, "evt-1"))

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed', attempts = attempts + 1")).
		WithArgs("evt-2", "connection refused").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, s.MarkFailed(ctx, "evt-2", "connection refused"))

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'dispatched'")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.MarkDispatched(ctx, "missing"), ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWorkflowStore_EnvelopeCAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresWorkflowStore(db)
	ctx := context.Background()
	env := &contracts.Envelope{
		TenantID: "t1", ID: "env-1", Title: "NDA",
		Status: contracts.EnvelopeDraft, SigningMode: contracts.SigningSequential,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO envelopes")).
		WithArgs("t1", "env-1", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CreateEnvelope(ctx, env))
	assert.Equal(t, int64(1), env.Version)

	// Stale expected version: the row exists but the guarded UPDATE matches
	// nothing, so the follow-up existence check resolves it to a condition failure.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE envelopes SET")).
		WithArgs(int64(8), sqlmock.AnyArg(), "t1", "env-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM envelopes")).
		WithArgs("t1", "env-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	assert.ErrorIs(t, s.UpdateEnvelope(ctx, env, 7), ErrConditionFailed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWorkflowStore_AppendRecordCAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresWorkflowStore(db)
	ctx := context.Background()
	rec := &contracts.AuditRecord{
		ID: "a-2", TenantID: "t1", EnvelopeID: "env-1",
		EventType:  contracts.EventPartySigned,
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		PrevHash:   "aaaa", Hash: "bbbb",
	}

	// A moved head loses the compare-and-swap and rolls the tx back.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_heads SET head =")).
		WithArgs("bbbb", "env-1", "aaaa").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	assert.ErrorIs(t, s.AppendRecord(ctx, rec, "aaaa"), ErrConditionFailed)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_heads SET head =")).
		WithArgs("bbbb", "env-1", "aaaa").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_records")).
		WithArgs("env-1", "a-2", rec.OccurredAt, "bbbb", "aaaa", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	assert.NoError(t, s.AppendRecord(ctx, rec, "aaaa"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIdempotencyStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresIdempotencyStore(db)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pending := &contracts.IdempotencyRecord{
		Fingerprint: "fp-1",
		Status:      contracts.IdempotencyPending,
		CreatedAt:   created,
		ExpiresAt:   created.Add(2 * time.Minute),
	}

	// Reservation: pending status, NULL result.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("fp-1", "pending", nil, created, created.Add(2*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, s.CreateFingerprint(ctx, pending))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("fp-1", "pending", nil, created, created.Add(2*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.CreateFingerprint(ctx, pending), ErrConditionFailed)

	done := &contracts.IdempotencyRecord{
		Fingerprint: "fp-1",
		Status:      contracts.IdempotencyCompleted,
		Result:      json.RawMessage(`{"ok":true}`),
		CreatedAt:   created,
		ExpiresAt:   created.Add(time.Hour),
	}
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (fingerprint) DO UPDATE")).
		WithArgs("fp-1", "completed", []byte(done.Result), created, created.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, s.CompleteFingerprint(ctx, done))

	mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_keys")).
		WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status", "result", "created_at", "expires_at"}).
			AddRow("fp-1", "completed", []byte(`{"ok":true}`), created, created.Add(time.Hour)))

	got, err := s.GetFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, got.Completed())
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_keys")).
		WithArgs("fp-2").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status", "result", "created_at", "expires_at"}))
	_, err = s.GetFingerprint(ctx, "fp-2")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signetworks/signet/pkg/contracts"
)

// PostgresOutboxStore implements OutboxStore on PostgreSQL for multi-node
// deployments. The schema is managed externally (migrations live with the
// host service):
//
//	CREATE TABLE outbox_events (
//	    id TEXT PRIMARY KEY,
//	    event_type TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    occurred_at TIMESTAMPTZ NOT NULL,
//	    attempts INTEGER NOT NULL DEFAULT 0,
//	    last_error TEXT NOT NULL DEFAULT '',
//	    payload JSONB NOT NULL,
//	    trace_id TEXT NOT NULL DEFAULT ''
//	);
//	CREATE INDEX idx_outbox_status ON outbox_events (status, occurred_at, id);
type PostgresOutboxStore struct {
	db *sql.DB
}

// NewPostgresOutboxStore wraps an existing connection.
func NewPostgresOutboxStore(db *sql.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

func (s *PostgresOutboxStore) CreateEvent(ctx context.Context, rec *contracts.OutboxRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, status, occurred_at, attempts, last_error, payload, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.EventType, string(rec.Status), rec.OccurredAt, rec.Attempts, rec.LastError, []byte(rec.Payload), rec.TraceID)
	if err != nil {
		return fmt.Errorf("stage outbox event: %w", err)
	}
	return requireInsert(res)
}

func (s *PostgresOutboxStore) GetEvent(ctx context.Context, id string) (*contracts.OutboxRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, status, occurred_at, attempts, last_error, payload, trace_id
		 FROM outbox_events WHERE id = $1`, id)
	return scanOutboxRow(row)
}

func (s *PostgresOutboxStore) ListPending(ctx context.Context, limit int) ([]*contracts.OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, status, occurred_at, attempts, last_error, payload, trace_id
		 FROM outbox_events
		 WHERE status IN ('pending', 'failed')
		 ORDER BY occurred_at ASC, id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []*contracts.OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresOutboxStore) MarkDispatched(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'dispatched', last_error = '' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireFound(res)
}

func (s *PostgresOutboxStore) MarkFailed(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'failed', attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, lastError)
	if err != nil {
		return err
	}
	return requireFound(res)
}

func scanOutboxRow(row rowScanner) (*contracts.OutboxRecord, error) {
	var rec contracts.OutboxRecord
	var status string
	var payload []byte
	err := row.Scan(&rec.ID, &rec.EventType, &status, &rec.OccurredAt, &rec.Attempts, &rec.LastError, &payload, &rec.TraceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = contracts.OutboxStatus(status)
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// PostgresIdempotencyStore implements IdempotencyStore on PostgreSQL. Schema:
//
//	CREATE TABLE idempotency_keys (
//	    fingerprint TEXT PRIMARY KEY,
//	    status TEXT NOT NULL,
//	    result JSONB,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
//
// Pending reservations carry a NULL result.
type PostgresIdempotencyStore struct {
	db *sql.DB
}

// NewPostgresIdempotencyStore wraps an existing connection.
func NewPostgresIdempotencyStore(db *sql.DB) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db}
}

func (s *PostgresIdempotencyStore) GetFingerprint(ctx context.Context, fingerprint string) (*contracts.IdempotencyRecord, error) {
	var rec contracts.IdempotencyRecord
	var status string
	var result []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, status, result, created_at, expires_at FROM idempotency_keys WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&rec.Fingerprint, &status, &result, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = contracts.IdempotencyStatus(status)
	rec.Result = json.RawMessage(result)
	return &rec, nil
}

func (s *PostgresIdempotencyStore) CreateFingerprint(ctx context.Context, rec *contracts.IdempotencyRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (fingerprint, status, result, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		rec.Fingerprint, string(rec.Status), nullableJSON(rec.Result), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	return requireInsert(res)
}

func (s *PostgresIdempotencyStore) CompleteFingerprint(ctx context.Context, rec *contracts.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (fingerprint, status, result, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (fingerprint) DO UPDATE
		 SET status = excluded.status, result = excluded.result, expires_at = excluded.expires_at`,
		rec.Fingerprint, string(rec.Status), nullableJSON(rec.Result), rec.CreatedAt, rec.ExpiresAt)
	return err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *PostgresIdempotencyStore) DeleteFingerprint(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE fingerprint = $1`, fingerprint)
	return err
}

// Cleanup removes idempotency keys past their TTL.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now)
	return err
}

// PostgresWorkflowStore implements WorkflowStore and AuditStore on
// PostgreSQL. Entities use the same JSONB-body-plus-key-columns layout as the
// SQLite backend. Schema:
//
//	CREATE TABLE envelopes (
//	    tenant_id TEXT NOT NULL,
//	    id TEXT NOT NULL,
//	    version BIGINT NOT NULL,
//	    body JSONB NOT NULL,
//	    PRIMARY KEY (tenant_id, id)
//	);
//	CREATE TABLE parties (
//	    envelope_id TEXT NOT NULL,
//	    id TEXT NOT NULL,
//	    email TEXT NOT NULL,
//	    sequence INTEGER NOT NULL DEFAULT 0,
//	    version BIGINT NOT NULL,
//	    body JSONB NOT NULL,
//	    PRIMARY KEY (envelope_id, id)
//	);
//	CREATE INDEX idx_parties_email ON parties (envelope_id, email);
//	CREATE TABLE audit_records (
//	    envelope_id TEXT NOT NULL,
//	    id TEXT NOT NULL,
//	    occurred_at TIMESTAMPTZ NOT NULL,
//	    hash TEXT NOT NULL,
//	    prev_hash TEXT NOT NULL,
//	    body JSONB NOT NULL,
//	    PRIMARY KEY (envelope_id, id)
//	);
//	CREATE INDEX idx_audit_chain ON audit_records (envelope_id, occurred_at, id);
//	CREATE TABLE audit_heads (
//	    envelope_id TEXT PRIMARY KEY,
//	    head TEXT NOT NULL
//	);
type PostgresWorkflowStore struct {
	db *sql.DB
}

// NewPostgresWorkflowStore wraps an existing connection.
func NewPostgresWorkflowStore(db *sql.DB) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

func (s *PostgresWorkflowStore) GetEnvelope(ctx context.Context, tenantID, envelopeID string) (*contracts.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM envelopes WHERE tenant_id = $1 AND id = $2`, tenantID, envelopeID)
	return scanJSON[contracts.Envelope](row)
}

func (s *PostgresWorkflowStore) CreateEnvelope(ctx context.Context, env *contracts.Envelope) error {
	env.Version = 1
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO envelopes (tenant_id, id, version, body) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, id) DO NOTHING`,
		env.TenantID, env.ID, env.Version, body)
	if err != nil {
		return err
	}
	return requireInsert(res)
}

func (s *PostgresWorkflowStore) UpdateEnvelope(ctx context.Context, env *contracts.Envelope, expectedVersion int64) error {
	env.Version = expectedVersion + 1
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE envelopes SET version = $1, body = $2 WHERE tenant_id = $3 AND id = $4 AND version = $5`,
		env.Version, body, env.TenantID, env.ID, expectedVersion)
	if err != nil {
		return err
	}
	return s.requireUpdate(ctx, res,
		`SELECT 1 FROM envelopes WHERE tenant_id = $1 AND id = $2`, env.TenantID, env.ID)
}

func (s *PostgresWorkflowStore) GetParty(ctx context.Context, envelopeID, partyID string) (*contracts.Party, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM parties WHERE envelope_id = $1 AND id = $2`, envelopeID, partyID)
	return scanJSON[contracts.Party](row)
}

func (s *PostgresWorkflowStore) CreateParty(ctx context.Context, p *contracts.Party) error {
	p.Version = 1
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO parties (envelope_id, id, email, sequence, version, body)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (envelope_id, id) DO NOTHING`,
		p.EnvelopeID, p.ID, strings.ToLower(p.Email), p.Sequence, p.Version, body)
	if err != nil {
		return err
	}
	return requireInsert(res)
}

func (s *PostgresWorkflowStore) UpdateParty(ctx context.Context, p *contracts.Party, expectedVersion int64) error {
	p.Version = expectedVersion + 1
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE parties SET email = $1, sequence = $2, version = $3, body = $4
		 WHERE envelope_id = $5 AND id = $6 AND version = $7`,
		strings.ToLower(p.Email), p.Sequence, p.Version, body, p.EnvelopeID, p.ID, expectedVersion)
	if err != nil {
		return err
	}
	return s.requireUpdate(ctx, res,
		`SELECT 1 FROM parties WHERE envelope_id = $1 AND id = $2`, p.EnvelopeID, p.ID)
}

func (s *PostgresWorkflowStore) ListParties(ctx context.Context, envelopeID string) ([]*contracts.Party, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM parties WHERE envelope_id = $1 ORDER BY sequence ASC, id ASC`, envelopeID)
	if err != nil {
		return nil, err
	}
	return scanJSONRows[contracts.Party](rows)
}

func (s *PostgresWorkflowStore) FindPartyByEmail(ctx context.Context, envelopeID, email string) (*contracts.Party, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM parties WHERE envelope_id = $1 AND email = $2 ORDER BY id ASC LIMIT 1`,
		envelopeID, strings.ToLower(email))
	return scanJSON[contracts.Party](row)
}

func (s *PostgresWorkflowStore) ChainHead(ctx context.Context, envelopeID string) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx,
		`SELECT head FROM audit_heads WHERE envelope_id = $1`, envelopeID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return head, nil
}

func (s *PostgresWorkflowStore) AppendRecord(ctx context.Context, rec *contracts.AuditRecord, expectedHead string) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Same head-pointer compare-and-swap as the SQLite backend.
	var res sql.Result
	if expectedHead == "" {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO audit_heads (envelope_id, head) VALUES ($1, $2)
			 ON CONFLICT (envelope_id) DO NOTHING`,
			rec.EnvelopeID, rec.Hash)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE audit_heads SET head = $1 WHERE envelope_id = $2 AND head = $3`,
			rec.Hash, rec.EnvelopeID, expectedHead)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConditionFailed
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_records (envelope_id, id, occurred_at, hash, prev_hash, body)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.EnvelopeID, rec.ID, rec.OccurredAt, rec.Hash, rec.PrevHash, body); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresWorkflowStore) ListRecords(ctx context.Context, envelopeID string) ([]*contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM audit_records WHERE envelope_id = $1 ORDER BY occurred_at ASC, id ASC`, envelopeID)
	if err != nil {
		return nil, err
	}
	return scanJSONRows[contracts.AuditRecord](rows)
}

func (s *PostgresWorkflowStore) requireUpdate(ctx context.Context, res sql.Result, existsQuery string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := s.db.QueryRowContext(ctx, existsQuery, args...).Scan(&one); errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return ErrConditionFailed
}

func requireFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

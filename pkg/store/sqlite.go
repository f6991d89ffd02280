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

	_ "modernc.org/sqlite"
)

// SQLiteStore implements all store interfaces on a single SQLite database.
// Entities are stored as JSON bodies next to the columns that serve as keys
// and secondary indexes, matching the keyed-record access patterns the engine
// depends on.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing connection and migrates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS envelopes (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		body JSON NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE TABLE IF NOT EXISTS parties (
		envelope_id TEXT NOT NULL,
		id TEXT NOT NULL,
		email TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		body JSON NOT NULL,
		PRIMARY KEY (envelope_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_parties_email ON parties (envelope_id, email);
	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		body JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events (status, occurred_at, id);
	CREATE TABLE IF NOT EXISTS audit_records (
		envelope_id TEXT NOT NULL,
		id TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		body JSON NOT NULL,
		PRIMARY KEY (envelope_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_chain ON audit_records (envelope_id, occurred_at, id);
	CREATE TABLE IF NOT EXISTS audit_heads (
		envelope_id TEXT PRIMARY KEY,
		head TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		fingerprint TEXT PRIMARY KEY,
		expires_at DATETIME NOT NULL,
		body JSON NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetEnvelope(ctx context.Context, tenantID, envelopeID string) (*contracts.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM envelopes WHERE tenant_id = ? AND id = ?`, tenantID, envelopeID)
	return scanJSON[contracts.Envelope](row)
}

func (s *SQLiteStore) CreateEnvelope(ctx context.Context, env *contracts.Envelope) error {
	env.Version = 1
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO envelopes (tenant_id, id, version, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, id) DO NOTHING`,
		env.TenantID, env.ID, env.Version, body)
	if err != nil {
		return err
	}
	return requireInsert(res)
}

func (s *SQLiteStore) UpdateEnvelope(ctx context.Context, env *contracts.Envelope, expectedVersion int64) error {
	env.Version = expectedVersion + 1
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE envelopes SET version = ?, body = ? WHERE tenant_id = ? AND id = ? AND version = ?`,
		env.Version, body, env.TenantID, env.ID, expectedVersion)
	if err != nil {
		return err
	}
	return s.requireUpdate(ctx, res,
		`SELECT 1 FROM envelopes WHERE tenant_id = ? AND id = ?`, env.TenantID, env.ID)
}

func (s *SQLiteStore) GetParty(ctx context.Context, envelopeID, partyID string) (*contracts.Party, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM parties WHERE envelope_id = ? AND id = ?`, envelopeID, partyID)
	return scanJSON[contracts.Party](row)
}

func (s *SQLiteStore) CreateParty(ctx context.Context, p *contracts.Party) error {
	p.Version = 1
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO parties (envelope_id, id, email, sequence, version, body) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (envelope_id, id) DO NOTHING`,
		p.EnvelopeID, p.ID, strings.ToLower(p.Email), p.Sequence, p.Version, body)
	if err != nil {
		return err
	}
	return requireInsert(res)
}

func (s *SQLiteStore) UpdateParty(ctx context.Context, p *contracts.Party, expectedVersion int64) error {
	p.Version = expectedVersion + 1
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE parties SET email = ?, sequence = ?, version = ?, body = ?
		 WHERE envelope_id = ? AND id = ? AND version = ?`,
		strings.ToLower(p.Email), p.Sequence, p.Version, body, p.EnvelopeID, p.ID, expectedVersion)
	if err != nil {
		return err
	}
	return s.requireUpdate(ctx, res,
		`SELECT 1 FROM parties WHERE envelope_id = ? AND id = ?`, p.EnvelopeID, p.ID)
}

func (s *SQLiteStore) ListParties(ctx context.Context, envelopeID string) ([]*contracts.Party, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM parties WHERE envelope_id = ? ORDER BY sequence ASC, id ASC`, envelopeID)
	if err != nil {
		return nil, err
	}
	return scanJSONRows[contracts.Party](rows)
}

func (s *SQLiteStore) FindPartyByEmail(ctx context.Context, envelopeID, email string) (*contracts.Party, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM parties WHERE envelope_id = ? AND email = ? ORDER BY id ASC LIMIT 1`,
		envelopeID, strings.ToLower(email))
	return scanJSON[contracts.Party](row)
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, rec *contracts.OutboxRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, status, occurred_at, attempts, last_error, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.EventType, string(rec.Status), rec.OccurredAt, rec.Attempts, rec.LastError, body)
	if err != nil {
		return err
	}
	return requireInsert(res)
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*contracts.OutboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM outbox_events WHERE id = ?`, id)
	return scanJSON[contracts.OutboxRecord](row)
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]*contracts.OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM outbox_events WHERE status IN ('pending', 'failed')
		 ORDER BY occurred_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanJSONRows[contracts.OutboxRecord](rows)
}

func (s *SQLiteStore) MarkDispatched(ctx context.Context, id string) error {
	return s.updateEventStatus(ctx, id, func(rec *contracts.OutboxRecord) {
		rec.Status = contracts.OutboxDispatched
		rec.LastError = ""
	})
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, lastError string) error {
	return s.updateEventStatus(ctx, id, func(rec *contracts.OutboxRecord) {
		rec.Status = contracts.OutboxFailed
		rec.Attempts++
		rec.LastError = lastError
	})
}

func (s *SQLiteStore) updateEventStatus(ctx context.Context, id string, mutate func(*contracts.OutboxRecord)) error {
	rec, err := s.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	mutate(rec)
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = ?, attempts = ?, last_error = ?, body = ? WHERE id = ?`,
		string(rec.Status), rec.Attempts, rec.LastError, body, id)
	return err
}

func (s *SQLiteStore) ChainHead(ctx context.Context, envelopeID string) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx,
		`SELECT head FROM audit_heads WHERE envelope_id = ?`, envelopeID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return head, nil
}

func (s *SQLiteStore) AppendRecord(ctx context.Context, rec *contracts.AuditRecord, expectedHead string) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The head pointer is the compare-and-swap target that serializes
	// concurrent appends to one envelope's chain.
	var res sql.Result
	if expectedHead == "" {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO audit_heads (envelope_id, head) VALUES (?, ?)
			 ON CONFLICT (envelope_id) DO NOTHING`,
			rec.EnvelopeID, rec.Hash)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE audit_heads SET head = ? WHERE envelope_id = ? AND head = ?`,
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
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EnvelopeID, rec.ID, rec.OccurredAt, rec.Hash, rec.PrevHash, body); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListRecords(ctx context.Context, envelopeID string) ([]*contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM audit_records WHERE envelope_id = ? ORDER BY occurred_at ASC, id ASC`, envelopeID)
	if err != nil {
		return nil, err
	}
	return scanJSONRows[contracts.AuditRecord](rows)
}

func (s *SQLiteStore) GetFingerprint(ctx context.Context, fingerprint string) (*contracts.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM idempotency_keys WHERE fingerprint = ?`, fingerprint)
	return scanJSON[contracts.IdempotencyRecord](row)
}

func (s *SQLiteStore) CreateFingerprint(ctx context.Context, rec *contracts.IdempotencyRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (fingerprint, expires_at, body) VALUES (?, ?, ?)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		rec.Fingerprint, rec.ExpiresAt, body)
	if err != nil {
		return err
	}
	return requireInsert(res)
}

func (s *SQLiteStore) CompleteFingerprint(ctx context.Context, rec *contracts.IdempotencyRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (fingerprint, expires_at, body) VALUES (?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET expires_at = excluded.expires_at, body = excluded.body`,
		rec.Fingerprint, rec.ExpiresAt, body)
	return err
}

func (s *SQLiteStore) DeleteFingerprint(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE fingerprint = ?`, fingerprint)
	return err
}

// CleanupExpired removes idempotency records past their TTL. Invoked by the
// host's scheduled maintenance, not by the engine.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < ?`, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJSON[T any](row rowScanner) (*T, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("corrupt record body: %w", err)
	}
	return out, nil
}

func scanJSONRows[T any](rows *sql.Rows) ([]*T, error) {
	defer func() { _ = rows.Close() }()
	//nolint:prealloc // result count unknown from SQL query
	var out []*T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		item := new(T)
		if err := json.Unmarshal(body, item); err != nil {
			return nil, fmt.Errorf("corrupt record body: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func requireInsert(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *SQLiteStore) requireUpdate(ctx context.Context, res sql.Result, existsQuery string, args ...any) error {
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

// Package audit implements the append-only, tamper-evident audit ledger.
// Records for one envelope form a hash chain: each record's digest covers the
// previous record's digest, so any mutation or reordering is detectable by
// replaying the chain.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/signetworks/signet/pkg/canonical"
	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/ident"
	"github.com/signetworks/signet/pkg/store"
)

// ChainSeed is the well-known PrevHash of the first record in every chain.
const ChainSeed = "genesis"

// maxAppendRetries bounds the internal retry loop when concurrent appends to
// the same envelope race on the chain head.
const maxAppendRetries = 5

var (
	// ErrChainBroken is returned by VerifyChain on the first mismatch.
	ErrChainBroken = errors.New("audit chain is broken")
	// ErrContention is returned when an append loses the chain-head race more
	// times than the retry budget allows. Retryable.
	ErrContention = errors.New("audit chain contention")
)

// Ledger appends and verifies hash-chained audit records.
type Ledger struct {
	store store.AuditStore
	clock ident.Clock
	ids   ident.IDGenerator
}

// NewLedger creates a Ledger with injected collaborators.
func NewLedger(s store.AuditStore, clock ident.Clock, ids ident.IDGenerator) *Ledger {
	return &Ledger{store: s, clock: clock, ids: ids}
}

// Append creates a new record linked to the envelope's current chain head.
// Concurrent appends to the same envelope are serialized by a conditional
// write on the head; losers re-read and retry up to maxAppendRetries before
// surfacing ErrContention.
func (l *Ledger) Append(ctx context.Context, tenantID, envelopeID, eventType, actor string, metadata map[string]any) (*contracts.AuditRecord, error) {
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		head, err := l.store.ChainHead(ctx, envelopeID)
		expectedHead := head
		prevHash := head
		if errors.Is(err, store.ErrNotFound) {
			expectedHead = ""
			prevHash = ChainSeed
		} else if err != nil {
			return nil, err
		}

		rec := &contracts.AuditRecord{
			ID:         l.ids.NewID(),
			TenantID:   tenantID,
			EnvelopeID: envelopeID,
			OccurredAt: l.clock.Now(),
			EventType:  eventType,
			Actor:      actor,
			Metadata:   metadata,
			PrevHash:   prevHash,
		}
		rec.Hash, err = recordHash(rec)
		if err != nil {
			// Canonicalization failures are programming errors, never retried.
			return nil, err
		}

		err = l.store.AppendRecord(ctx, rec, expectedHead)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return nil, err
		}
		sleepJitter(attempt)
	}
	return nil, fmt.Errorf("%w: envelope %s", ErrContention, envelopeID)
}

// VerifyChain replays all records for an envelope, recomputing every digest
// and checking every link. It fails on the first mismatch.
func (l *Ledger) VerifyChain(ctx context.Context, envelopeID string) error {
	records, err := l.store.ListRecords(ctx, envelopeID)
	if err != nil {
		return err
	}
	return verifyRecords(records)
}

// Records returns the full chain for an envelope, oldest first.
func (l *Ledger) Records(ctx context.Context, envelopeID string) ([]*contracts.AuditRecord, error) {
	return l.store.ListRecords(ctx, envelopeID)
}

func verifyRecords(records []*contracts.AuditRecord) error {
	expectedPrev := ChainSeed
	for i, rec := range records {
		if rec.PrevHash != expectedPrev {
			return fmt.Errorf("%w: record %d has prev_hash %s, expected %s",
				ErrChainBroken, i, rec.PrevHash, expectedPrev)
		}
		computed, err := recordHash(rec)
		if err != nil {
			return fmt.Errorf("%w: record %d digest failed: %w", ErrChainBroken, i, err)
		}
		if computed != rec.Hash {
			return fmt.Errorf("%w: record %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, rec.Hash)
		}
		expectedPrev = rec.Hash
	}
	return nil
}

// recordHash digests (prev_hash, event_type, occurred_at, canonical metadata).
// Metadata goes through RFC 8785 canonicalization so key order never changes
// the digest.
func recordHash(rec *contracts.AuditRecord) (string, error) {
	hashable := struct {
		PrevHash   string         `json:"prev_hash"`
		EventType  string         `json:"event_type"`
		OccurredAt string         `json:"occurred_at"`
		Actor      string         `json:"actor"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		PrevHash:   rec.PrevHash,
		EventType:  rec.EventType,
		OccurredAt: rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		Actor:      rec.Actor,
		Metadata:   rec.Metadata,
	}
	digest, err := canonical.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: record digest: %w", err)
	}
	return digest, nil
}

func sleepJitter(attempt int) {
	base := time.Duration(1<<attempt) * 5 * time.Millisecond
	time.Sleep(base + time.Duration(rand.Intn(5))*time.Millisecond)
}

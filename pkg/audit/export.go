package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/signetworks/signet/pkg/canonical"
	"github.com/signetworks/signet/pkg/contracts"
)

// EvidenceBundle is an exportable, self-verifying slice of an envelope's
// audit chain, used for compliance export.
type EvidenceBundle struct {
	BundleID   string                   `json:"bundle_id"`
	EnvelopeID string                   `json:"envelope_id"`
	CreatedAt  time.Time                `json:"created_at"`
	EntryCount int                      `json:"entry_count"`
	Records    []*contracts.AuditRecord `json:"records"`
	ChainHead  string                   `json:"chain_head"`
	BundleHash string                   `json:"bundle_hash"`
}

// ExportBundle packages the full chain for an envelope. The chain is verified
// before export so a bundle is never produced from tampered records.
func (l *Ledger) ExportBundle(ctx context.Context, envelopeID string) (*EvidenceBundle, error) {
	records, err := l.store.ListRecords(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no audit records for envelope %s", envelopeID)
	}
	if err := verifyRecords(records); err != nil {
		return nil, err
	}

	bundle := &EvidenceBundle{
		BundleID:   l.ids.NewID(),
		EnvelopeID: envelopeID,
		CreatedAt:  l.clock.Now(),
		EntryCount: len(records),
		Records:    records,
		ChainHead:  records[len(records)-1].Hash,
	}
	bundle.BundleHash, err = canonical.Hash(bundle.Records)
	if err != nil {
		return nil, fmt.Errorf("audit: bundle digest: %w", err)
	}
	return bundle, nil
}

// VerifyBundle checks a bundle's own hash and the chain inside it.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Records) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	computed, err := canonical.Hash(bundle.Records)
	if err != nil {
		return fmt.Errorf("audit: bundle digest: %w", err)
	}
	if computed != bundle.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}
	return verifyRecords(bundle.Records)
}

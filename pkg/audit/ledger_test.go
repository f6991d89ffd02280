package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signetworks/signet/pkg/contracts"
	"github.com/signetworks/signet/pkg/ident"
	"github.com/signetworks/signet/pkg/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore, *ident.FakeClock) {
	t.Helper()
	mem := store.NewMemoryStore()
	clock := ident.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewLedger(mem, clock, &ident.SequenceIDs{Prefix: "audit"}), mem, clock
}

func TestAppendBuildsChain(t *testing.T) {
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.Append(ctx, "t1", "env-1", contracts.EventEnvelopeCreated, "alice", map[string]any{"title": "NDA"})
	require.NoError(t, err)
	assert.Equal(t, ChainSeed, first.PrevHash)
	assert.NotEmpty(t, first.Hash)

	clock.Advance(time.Second)
	second, err := ledger.Append(ctx, "t1", "env-1", contracts.EventEnvelopeSent, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)

	// Chains are per envelope: a different envelope starts from the seed.
	other, err := ledger.Append(ctx, "t1", "env-2", contracts.EventEnvelopeCreated, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, ChainSeed, other.PrevHash)

	require.NoError(t, ledger.VerifyChain(ctx, "env-1"))
	require.NoError(t, ledger.VerifyChain(ctx, "env-2"))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	ledger, mem, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(ctx, "t1", "env-1", contracts.EventEnvelopeCreated, "alice", map[string]any{"title": "NDA"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = ledger.Append(ctx, "t1", "env-1", contracts.EventPartySigned, "bob", map[string]any{"party_id": "p-1"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = ledger.Append(ctx, "t1", "env-1", contracts.EventEnvelopeCompleted, "system", nil)
	require.NoError(t, err)

	require.NoError(t, ledger.VerifyChain(ctx, "env-1"))

	// Mutate the middle record's metadata behind the ledger's back.
	records, err := mem.ListRecords(ctx, "env-1")
	require.NoError(t, err)
	tampered := records[1]
	tampered.Metadata["party_id"] = "p-666"

	mem2 := store.NewMemoryStore()
	for i, rec := range records {
		expected := ""
		if i > 0 {
			expected = records[i-1].Hash
		}
		require.NoError(t, mem2.AppendRecord(ctx, rec, expected))
	}
	tamperedLedger := NewLedger(mem2, clock, &ident.SequenceIDs{Prefix: "audit"})
	assert.ErrorIs(t, tamperedLedger.VerifyChain(ctx, "env-1"), ErrChainBroken)
}

func TestMetadataKeyOrderDoesNotChangeHash(t *testing.T) {
	recA := &contracts.AuditRecord{
		PrevHash:   ChainSeed,
		EventType:  contracts.EventPartySigned,
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:      "alice",
		Metadata:   map[string]any{"a": 1.0, "b": "two", "c": true},
	}
	recB := &contracts.AuditRecord{
		PrevHash:   ChainSeed,
		EventType:  contracts.EventPartySigned,
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:      "alice",
		Metadata:   map[string]any{"c": true, "b": "two", "a": 1.0},
	}
	hashA, err := recordHash(recA)
	require.NoError(t, err)
	hashB, err := recordHash(recB)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Append(ctx, "t1", "env-1", contracts.EventPartySigned, "actor", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	// Every append landed and the chain still verifies end to end.
	records, err := ledger.Records(ctx, "env-1")
	require.NoError(t, err)
	require.Len(t, records, writers)
	require.NoError(t, ledger.VerifyChain(ctx, "env-1"))
}

func TestExportBundleRoundTrip(t *testing.T) {
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Append(ctx, "t1", "env-1", contracts.EventEnvelopeCreated, "alice", nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = ledger.Append(ctx, "t1", "env-1", contracts.EventEnvelopeSent, "alice", nil)
	require.NoError(t, err)

	bundle, err := ledger.ExportBundle(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, 2, bundle.EntryCount)
	require.NoError(t, VerifyBundle(bundle))

	bundle.Records[0].Actor = "mallory"
	assert.Error(t, VerifyBundle(bundle))
}

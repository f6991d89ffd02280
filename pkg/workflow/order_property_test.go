//go:build property
// +build property

package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/signetworks/signet/pkg/contracts"
)

// TestSigningOrderValidationProperties verifies the gapless-order check over
// arbitrary position sets.
func TestSigningOrderValidationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any permutation of 1..N passes", prop.ForAll(
		func(n int, seed int64) bool {
			perm := rand.New(rand.NewSource(seed)).Perm(n)
			parties := make([]*contracts.Party, n)
			for i, pos := range perm {
				parties[i] = &contracts.Party{
					ID:       fmt.Sprintf("p-%d", i),
					Role:     contracts.RoleSigner,
					Sequence: pos + 1,
					Status:   contracts.PartyPending,
				}
			}
			return ValidateSigningOrder(parties) == nil
		},
		gen.IntRange(1, 8),
		gen.Int64(),
	))

	properties.Property("duplicating one position always fails", prop.ForAll(
		func(n int, dup int) bool {
			if n < 2 {
				return true
			}
			var parties []*contracts.Party
			for i := 0; i < n; i++ {
				parties = append(parties, &contracts.Party{
					ID:       fmt.Sprintf("p-%d", i),
					Role:     contracts.RoleSigner,
					Sequence: i + 1,
					Status:   contracts.PartyPending,
				})
			}
			// Overwrite one position with another, creating a duplicate and a gap.
			parties[dup%n].Sequence = parties[(dup+1)%n].Sequence
			return ValidateSigningOrder(parties) != nil
		},
		gen.IntRange(2, 8),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// TestSequentialCompletionOrderProperty drives the full engine with sign
// attempts in a random order and verifies that signatures can only land in
// ascending position order, the envelope always completes, and the audit
// chain stays verifiable.
func TestSequentialCompletionOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("strict order holds under arbitrary attempt order", prop.ForAll(
		func(n int, seed int64) bool {
			f := newFixture(t, Config{})
			ctx := context.Background()

			_, err := f.engine.CreateEnvelope(ctx, CreateEnvelopeCommand{
				TenantID: "t1", EnvelopeID: "env-1", Title: "Bulk Order", Actor: "ops@acme.test",
			})
			if err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				_, err := f.engine.AddParty(ctx, AddPartyCommand{
					TenantID: "t1", EnvelopeID: "env-1", PartyID: fmt.Sprintf("p-%d", i),
					Email: fmt.Sprintf("s%d@acme.test", i), Role: contracts.RoleSigner,
					Sequence: i + 1, Actor: "ops@acme.test",
				})
				if err != nil {
					return false
				}
			}
			if _, err := f.engine.SendEnvelope(ctx, SendEnvelopeCommand{
				TenantID: "t1", EnvelopeID: "env-1", Actor: "ops@acme.test",
			}); err != nil {
				return false
			}

			rng := rand.New(rand.NewSource(seed))
			signedOrder := make([]int, 0, n)
			remaining := make(map[int]bool, n)
			for i := 0; i < n; i++ {
				remaining[i] = true
			}
			// Keep attempting parties in random order until everyone signed.
			for len(remaining) > 0 {
				var candidates []int
				for i := range remaining {
					candidates = append(candidates, i)
				}
				sort.Ints(candidates)
				i := candidates[rng.Intn(len(candidates))]
				_, err := f.engine.SignParty(ctx, SignPartyCommand{
					TenantID: "t1", EnvelopeID: "env-1", PartyID: fmt.Sprintf("p-%d", i),
				})
				if err == nil {
					signedOrder = append(signedOrder, i)
					delete(remaining, i)
				} else if CodeOf(err) != CodeStateConflict {
					return false
				}
			}

			if !sort.IntsAreSorted(signedOrder) {
				return false
			}
			env, err := f.store.GetEnvelope(ctx, "t1", "env-1")
			if err != nil || env.Status != contracts.EnvelopeCompleted {
				return false
			}
			return f.ledger.VerifyChain(ctx, "env-1") == nil
		},
		gen.IntRange(1, 5),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

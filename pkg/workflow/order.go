package workflow

import (
	"github.com/signetworks/signet/pkg/contracts"
)

// ValidateSigningOrder checks that the active non-viewer parties hold the
// gapless sequence set {1..N}: no duplicates, no holes, nothing below 1.
// Called before an envelope leaves draft.
func ValidateSigningOrder(parties []*contracts.Party) error {
	seen := make(map[int]string)
	n := 0
	for _, p := range parties {
		if !p.Active() {
			continue
		}
		n++
		if p.Sequence < 1 {
			return validationErr("party %s has sequence %d, signing positions start at 1", p.ID, p.Sequence)
		}
		if other, dup := seen[p.Sequence]; dup {
			return validationErr("parties %s and %s share signing position %d", other, p.ID, p.Sequence)
		}
		seen[p.Sequence] = p.ID
	}
	for pos := 1; pos <= n; pos++ {
		if _, ok := seen[pos]; !ok {
			return validationErr("signing order has a gap at position %d", pos)
		}
	}
	return nil
}

// checkTurn enforces strict signing order: in sequential mode every active
// party at a lower position must have signed before target may act. Parallel
// mode imposes no ordering.
func checkTurn(mode contracts.SigningMode, parties []*contracts.Party, target *contracts.Party) error {
	if mode == contracts.SigningParallel {
		return nil
	}
	for _, p := range parties {
		if !p.Active() || p.ID == target.ID {
			continue
		}
		if p.Sequence < target.Sequence && p.Status != contracts.PartySigned {
			return stateConflict("party at position %d has not signed yet", p.Sequence)
		}
	}
	return nil
}

// allSigned reports whether every active non-viewer party has signed.
// Delegated parties are excluded; their delegate carries the obligation.
func allSigned(parties []*contracts.Party) bool {
	any := false
	for _, p := range parties {
		if !p.Active() {
			continue
		}
		any = true
		if p.Status != contracts.PartySigned {
			return false
		}
	}
	return any
}

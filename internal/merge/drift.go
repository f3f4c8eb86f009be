package merge

import (
	"crypto/sha256"
	"encoding/hex"

	"braid.dev/braid/internal/models"
)

// driftPolicy decides what happens to a branch change whose path moved in the
// base tree after the branch's baseline was taken.
type driftPolicy int

const (
	// driftConflicts reports the collision and withholds the change.
	driftConflicts driftPolicy = iota
	// driftBaseWins drops the change and keeps the base version.
	driftBaseWins
	// driftBranchWins keeps the change regardless of base movement.
	driftBranchWins
)

// contentHash mirrors the per-file digest recorded in session baselines.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// reconcileBase filters one branch's changes against the current base tree.
// Changes the base has already absorbed drop out as no-ops. Changes whose
// path moved in the base since the branch's baseline are resolved by policy.
// Without a baseline every remaining change is kept as-is.
func reconcileBase(basePath string, bc BranchChanges, policy driftPolicy) ([]models.FileChange, []models.Conflict, error) {
	var changes []models.FileChange
	var conflicts []models.Conflict

	for _, c := range bc.Changes {
		base, err := readBaseFile(basePath, c.Path)
		if err != nil {
			return nil, nil, err
		}
		baseExists := base != nil

		// No-ops: the base already holds exactly this change.
		if c.Kind == models.ChangeDeleted {
			if !baseExists {
				continue
			}
		} else if baseExists && contentHash(base) == contentHash(c.Content) {
			continue
		}

		if bc.Baseline == nil {
			changes = append(changes, c)
			continue
		}

		baselineHash, existedAtClone := bc.Baseline[c.Path]
		drifted := baseExists != existedAtClone
		if baseExists && existedAtClone {
			drifted = contentHash(base) != baselineHash
		}
		if !drifted {
			changes = append(changes, c)
			continue
		}

		switch policy {
		case driftBranchWins:
			changes = append(changes, c)
		case driftBaseWins:
			// Base keeps its version; the change is dropped.
		default:
			conflicts = append(conflicts, driftConflict(c, base, baseExists, bc.BranchID))
		}
	}
	return changes, conflicts, nil
}

// driftConflict classifies a branch change colliding with independent
// movement of the same path in the base.
func driftConflict(c models.FileChange, base []byte, baseExists bool, branchID string) models.Conflict {
	var kind models.ConflictKind
	switch {
	case c.Kind == models.ChangeDeleted, !baseExists:
		kind = models.ConflictDeleteModify
	case c.Kind == models.ChangeAdded:
		kind = models.ConflictBothAdded
	default:
		kind = models.ConflictBothModified
	}
	return models.Conflict{
		Path:     c.Path,
		Kind:     kind,
		Base:     base,
		Versions: []models.ConflictVersion{{BranchID: branchID, Content: c.Content}},
	}
}

package merge

import (
	"context"

	"braid.dev/braid/internal/models"
)

// Theirs resolves every conflict in favour of the branches: changes apply
// even where the base moved after cloning, and when branches disagree among
// themselves the PreferredBranch wins where set, the last branch in the
// merge set otherwise. Like Ours, the strategy always resolves and never
// reports conflicts.
type Theirs struct {
	PreferredBranch string
}

// Name implements Strategy.
func (*Theirs) Name() string { return "theirs" }

// Description implements Strategy.
func (*Theirs) Description() string {
	return "Prefer a designated branch's version wherever branches conflict"
}

// Merge implements Strategy.
func (t *Theirs) Merge(ctx context.Context, basePath string, branches []BranchChanges) (*Result, error) {
	if err := validateBranchCount(branches); err != nil {
		return nil, err
	}

	applicable := make([]BranchChanges, 0, len(branches))
	for _, b := range branches {
		kept, _, err := reconcileBase(basePath, b, driftBranchWins)
		if err != nil {
			return nil, err
		}
		applicable = append(applicable, BranchChanges{BranchID: b.BranchID, Changes: kept})
	}

	byPath := groupByPath(applicable)
	res := &Result{Strategy: t.Name()}

	for _, path := range sortedPaths(byPath) {
		entries := byPath[path]
		if change, ok := resolveCompatible(entries); ok {
			res.Changes = append(res.Changes, change)
			continue
		}
		res.Changes = append(res.Changes, t.pickWinner(entries))
	}
	return res, nil
}

// pickWinner selects the surviving change for a conflicted path. Entries keep
// merge-set order, so the last entry belongs to the last branch.
func (t *Theirs) pickWinner(entries []attributedChange) models.FileChange {
	if t.PreferredBranch != "" {
		for _, e := range entries {
			if e.branchID == t.PreferredBranch {
				return e.change
			}
		}
	}
	return entries[len(entries)-1].change
}

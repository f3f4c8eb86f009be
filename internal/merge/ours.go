package merge

import "context"

// Ours resolves every conflict by keeping the base version: paths where
// branches disagree, or where the base moved after the branch was cloned,
// simply produce no change. Non-conflicting branch changes still apply, so
// the strategy never reports conflicts.
type Ours struct{}

// Name implements Strategy.
func (*Ours) Name() string { return "ours" }

// Description implements Strategy.
func (*Ours) Description() string {
	return "Keep the base version wherever branches conflict"
}

// Merge implements Strategy.
func (o *Ours) Merge(ctx context.Context, basePath string, branches []BranchChanges) (*Result, error) {
	if err := validateBranchCount(branches); err != nil {
		return nil, err
	}

	applicable := make([]BranchChanges, 0, len(branches))
	for _, b := range branches {
		kept, _, err := reconcileBase(basePath, b, driftBaseWins)
		if err != nil {
			return nil, err
		}
		applicable = append(applicable, BranchChanges{BranchID: b.BranchID, Changes: kept})
	}

	byPath := groupByPath(applicable)
	res := &Result{Strategy: o.Name()}

	for _, path := range sortedPaths(byPath) {
		if change, ok := resolveCompatible(byPath[path]); ok {
			res.Changes = append(res.Changes, change)
		}
		// Conflicting paths are dropped: base content stays in place.
	}
	return res, nil
}

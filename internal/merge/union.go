package merge

import (
	"context"
	"sort"

	"braid.dev/braid/internal/models"
)

// Union combines non-overlapping changes from all branches and reports a
// conflict for every path where branches disagree.
type Union struct{}

// Name implements Strategy.
func (*Union) Name() string { return "union" }

// Description implements Strategy.
func (*Union) Description() string {
	return "Combine non-conflicting changes, mark conflicts where branches disagree"
}

type attributedChange struct {
	branchID string
	change   models.FileChange
}

// Merge implements Strategy.
func (u *Union) Merge(ctx context.Context, basePath string, branches []BranchChanges) (*Result, error) {
	if err := validateBranchCount(branches); err != nil {
		return nil, err
	}

	res := &Result{Strategy: u.Name()}
	applicable := make([]BranchChanges, 0, len(branches))
	for _, b := range branches {
		kept, drifted, err := reconcileBase(basePath, b, driftConflicts)
		if err != nil {
			return nil, err
		}
		res.Conflicts = append(res.Conflicts, drifted...)
		applicable = append(applicable, BranchChanges{BranchID: b.BranchID, Changes: kept})
	}

	byPath := groupByPath(applicable)
	for _, path := range sortedPaths(byPath) {
		entries := byPath[path]
		if first, ok := resolveCompatible(entries); ok {
			res.Changes = append(res.Changes, first)
			continue
		}

		base, err := readBaseFile(basePath, path)
		if err != nil {
			return nil, err
		}
		res.Conflicts = append(res.Conflicts, buildConflict(path, base, entries))
	}
	sortConflicts(res.Conflicts)
	return res, nil
}

// groupByPath collects every branch's change per path, keeping branch order.
func groupByPath(branches []BranchChanges) map[string][]attributedChange {
	byPath := make(map[string][]attributedChange)
	for _, b := range branches {
		for _, c := range b.Changes {
			byPath[c.Path] = append(byPath[c.Path], attributedChange{b.BranchID, c})
		}
	}
	return byPath
}

func sortedPaths(byPath map[string][]attributedChange) []string {
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// resolveCompatible returns the change to apply when the entries for a path
// do not conflict with each other, or ok=false when they do.
func resolveCompatible(entries []attributedChange) (models.FileChange, bool) {
	first := entries[0].change
	for _, e := range entries[1:] {
		if changesConflict(first, e.change) {
			return models.FileChange{}, false
		}
	}
	return first, true
}

// buildConflict assembles the per-branch versions for a conflicting path.
func buildConflict(path string, base []byte, entries []attributedChange) models.Conflict {
	kind := models.ConflictBothModified
	first := entries[0].change
	for _, e := range entries[1:] {
		if changesConflict(first, e.change) {
			kind = conflictKind(first, e.change)
			break
		}
	}

	conflict := models.Conflict{Path: path, Kind: kind, Base: base}
	for _, e := range entries {
		conflict.Versions = append(conflict.Versions, models.ConflictVersion{
			BranchID: e.branchID,
			Content:  e.change.Content,
		})
	}
	return conflict
}

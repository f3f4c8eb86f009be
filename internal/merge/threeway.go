package merge

import (
	"context"

	"braid.dev/braid/internal/diff"
	"braid.dev/braid/internal/models"
)

// ThreeWay performs a line-oriented merge for text files modified by exactly
// two branches, emitting git-style conflict markers around divergent ranges.
// A markered file still applies as a modification, but the path is counted
// conflicted so the merge routes to approval instead of completing silently.
type ThreeWay struct{}

// Name implements Strategy.
func (*ThreeWay) Name() string { return "three_way" }

// Description implements Strategy.
func (*ThreeWay) Description() string {
	return "Line-merge text files changed by two branches, marking divergent ranges inline"
}

// Merge implements Strategy.
func (t *ThreeWay) Merge(ctx context.Context, basePath string, branches []BranchChanges) (*Result, error) {
	if err := validateBranchCount(branches); err != nil {
		return nil, err
	}

	res := &Result{Strategy: t.Name()}
	applicable := make([]BranchChanges, 0, len(branches))
	for _, b := range branches {
		// Base drift cannot be line merged without the clone-time content,
		// so it conflicts outright.
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
		if change, ok := resolveCompatible(entries); ok {
			res.Changes = append(res.Changes, change)
			continue
		}

		base, err := readBaseFile(basePath, path)
		if err != nil {
			return nil, err
		}

		if !lineMergeable(base, entries) {
			res.Conflicts = append(res.Conflicts, buildThreeWayConflict(path, base, entries))
			continue
		}

		a, b := entries[0], entries[1]
		merged, outcome := diff.Merge3Text(
			string(base),
			string(a.change.Content),
			string(b.change.Content),
			a.branchID, b.branchID,
		)

		res.Changes = append(res.Changes, models.FileChange{
			Path:    path,
			Kind:    models.ChangeModified,
			Content: []byte(merged),
		})
		if !outcome.Clean() {
			conflict := models.Conflict{Path: path, Kind: models.ConflictBothModified, Base: base}
			for _, e := range entries {
				conflict.Versions = append(conflict.Versions, models.ConflictVersion{
					BranchID: e.branchID,
					Content:  e.change.Content,
				})
			}
			res.Conflicts = append(res.Conflicts, conflict)
		}
	}
	sortConflicts(res.Conflicts)
	return res, nil
}

// lineMergeable reports whether a conflicted path qualifies for a line-level
// merge: exactly two branches, both plain modifications, all text content.
func lineMergeable(base []byte, entries []attributedChange) bool {
	if len(entries) != 2 {
		return false
	}
	for _, e := range entries {
		if e.change.Kind != models.ChangeModified {
			return false
		}
		if IsBinary(e.change.Content) {
			return false
		}
	}
	return !IsBinary(base)
}

// buildThreeWayConflict classifies why a path could not be line merged.
func buildThreeWayConflict(path string, base []byte, entries []attributedChange) models.Conflict {
	kind := models.ConflictTooManyBranches
	if len(entries) == 2 {
		kind = conflictKind(entries[0].change, entries[1].change)
		if kind == models.ConflictBothModified {
			// Two plain modifications only reach here when content is binary.
			kind = models.ConflictBinary
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

package merge

import (
	"sort"

	"braid.dev/braid/internal/models"
)

// changesConflict reports whether two changes to the same path cannot both
// apply. Identical changes never conflict, so two branches deleting the same
// file, or writing the same bytes, combine cleanly.
func changesConflict(a, b models.FileChange) bool {
	if a.Path != b.Path || a.Equal(b) {
		return false
	}
	if a.Kind == models.ChangeDeleted || b.Kind == models.ChangeDeleted {
		return true
	}
	// An add and a modify land the same file when they carry the same bytes;
	// anything else writing different content to one path cannot both apply.
	return string(a.Content) != string(b.Content)
}

// conflictKind classifies a detected conflict for reporting.
func conflictKind(a, b models.FileChange) models.ConflictKind {
	switch {
	case a.Kind == models.ChangeDeleted || b.Kind == models.ChangeDeleted:
		return models.ConflictDeleteModify
	case a.Kind == models.ChangeAdded && b.Kind == models.ChangeAdded:
		return models.ConflictBothAdded
	default:
		return models.ConflictBothModified
	}
}

// sortConflicts orders conflicts by path for stable reporting.
func sortConflicts(conflicts []models.Conflict) {
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })
}

// Package merge combines the file changes produced by concurrent branches
// into a single change set. Four strategies are provided: union, ours,
// theirs, and a line-oriented three-way merge. Strategies never touch the
// base tree; applying the combined set is a separate, staged step.
package merge

import "braid.dev/braid/internal/models"

// Result is the outcome of running a strategy over branch change sets.
// Changes hold everything that merged cleanly; Conflicts what did not.
// Applied is set once the changes have been staged into the base tree.
type Result struct {
	Changes   []models.FileChange
	Conflicts []models.Conflict
	Strategy  string
	Applied   bool
}

// HasConflicts reports whether any path remains unresolved.
func (r *Result) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

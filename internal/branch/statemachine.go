package branch

import (
	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/models"
)

// transitions is the complete branch lifecycle. A status maps to the set of
// statuses it may move to; terminal statuses map to nothing. Branching may
// re-enter itself for progress updates, and MergePendingApproval may fall
// back to Branching when a merge request is rejected.
var transitions = map[models.BranchStatus][]models.BranchStatus{
	models.BranchAnalyzing: {
		models.BranchBranching,
	},
	models.BranchBranching: {
		models.BranchBranching,
		models.BranchMerging,
		models.BranchFailed,
	},
	models.BranchMerging: {
		models.BranchCompleted,
		models.BranchMergePendingApproval,
		models.BranchFailed,
	},
	models.BranchMergePendingApproval: {
		models.BranchCompleted,
		models.BranchBranching,
	},
	models.BranchCompleted: {},
	models.BranchFailed:    {},
}

// CanTransition reports whether the lifecycle permits moving from one status
// to another.
func CanTransition(from, to models.BranchStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError unless from may move
// to to. Unknown statuses admit nothing.
func ValidateTransition(from, to models.BranchStatus) error {
	if !CanTransition(from, to) {
		return &braiderrors.InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}

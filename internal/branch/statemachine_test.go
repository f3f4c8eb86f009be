package branch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/models"
)

var allStatuses = []models.BranchStatus{
	models.BranchAnalyzing,
	models.BranchBranching,
	models.BranchMerging,
	models.BranchMergePendingApproval,
	models.BranchCompleted,
	models.BranchFailed,
}

func TestCanTransition_FullTable(t *testing.T) {
	allowed := map[models.BranchStatus]map[models.BranchStatus]bool{
		models.BranchAnalyzing: {
			models.BranchBranching: true,
		},
		models.BranchBranching: {
			models.BranchBranching: true,
			models.BranchMerging:   true,
			models.BranchFailed:    true,
		},
		models.BranchMerging: {
			models.BranchCompleted:            true,
			models.BranchMergePendingApproval: true,
			models.BranchFailed:               true,
		},
		models.BranchMergePendingApproval: {
			models.BranchCompleted: true,
			models.BranchBranching: true,
		},
		models.BranchCompleted: {},
		models.BranchFailed:    {},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)

			err := ValidateTransition(from, to)
			if want {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, braiderrors.ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

// Rejection is the single path that moves a branch back toward execution;
// every other allowed transition goes forward or terminates.
func TestCanTransition_OnlyRejectionGoesBackward(t *testing.T) {
	order := map[models.BranchStatus]int{
		models.BranchAnalyzing:            0,
		models.BranchBranching:            1,
		models.BranchMerging:              2,
		models.BranchMergePendingApproval: 3,
		models.BranchCompleted:            4,
		models.BranchFailed:               4,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if !CanTransition(from, to) || order[to] >= order[from] {
				continue
			}
			assert.Equal(t, models.BranchMergePendingApproval, from)
			assert.Equal(t, models.BranchBranching, to)
		}
	}
}

func TestCanTransition_TerminalStatusesAdmitNothing(t *testing.T) {
	for _, from := range []models.BranchStatus{models.BranchCompleted, models.BranchFailed} {
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	assert.False(t, CanTransition("bogus", models.BranchBranching))
	assert.False(t, CanTransition(models.BranchBranching, "bogus"))

	err := ValidateTransition("bogus", models.BranchBranching)
	assert.ErrorIs(t, err, braiderrors.ErrInvalidTransition)

	var typed *braiderrors.InvalidTransitionError
	assert.ErrorAs(t, err, &typed)
	assert.Equal(t, "bogus", typed.From)
}

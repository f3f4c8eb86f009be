package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func createBranch(t *testing.T, s store.Store, name string) *models.Branch {
	t.Helper()
	b := &models.Branch{Name: name, Status: models.BranchMerging}
	require.NoError(t, s.CreateBranch(context.Background(), b))
	return b
}

func TestRequest_PendingWhenApprovalRequired(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	b := createBranch(t, s, "feature")

	mr, err := q.Request(ctx, b.ID, "union", true)
	require.NoError(t, err)
	assert.Equal(t, models.MergePending, mr.Status)
	assert.True(t, mr.RequiresApproval)
	assert.Empty(t, mr.ApprovedBy)
	assert.Nil(t, mr.ApprovedAt)
}

func TestRequest_AutoApprovesWhenNotRequired(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	b := createBranch(t, s, "feature")

	mr, err := q.Request(ctx, b.ID, "union", false)
	require.NoError(t, err)
	assert.Equal(t, models.MergeApproved, mr.Status)
	assert.Equal(t, AutoApprover, mr.ApprovedBy)
	require.NotNil(t, mr.ApprovedAt)
}

func TestRequest_SecondActiveRejected(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	b := createBranch(t, s, "feature")

	_, err := q.Request(ctx, b.ID, "union", true)
	require.NoError(t, err)

	_, err = q.Request(ctx, b.ID, "three_way", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has merge request")

	// A different branch is unaffected.
	other := createBranch(t, s, "other")
	_, err = q.Request(ctx, other.ID, "union", true)
	assert.NoError(t, err)
}

func TestRequest_AllowedAfterResolution(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	b := createBranch(t, s, "feature")

	first, err := q.Request(ctx, b.ID, "union", true)
	require.NoError(t, err)
	_, err = q.Reject(ctx, first.ID, "reviewer", "not yet")
	require.NoError(t, err)

	second, err := q.Request(ctx, b.ID, "union", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestApprove(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	b := createBranch(t, s, "feature")

	mr, err := q.Request(ctx, b.ID, "union", true)
	require.NoError(t, err)

	approved, err := q.Approve(ctx, mr.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, models.MergeApproved, approved.Status)
	assert.Equal(t, "reviewer", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	// Approving twice is an invalid transition.
	_, err = q.Approve(ctx, mr.ID, "reviewer")
	assert.ErrorIs(t, err, braiderrors.ErrInvalidTransition)
}

func TestReject(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	b := createBranch(t, s, "feature")

	mr, err := q.Request(ctx, b.ID, "union", true)
	require.NoError(t, err)

	rejected, err := q.Reject(ctx, mr.ID, "reviewer", "conflicts with release freeze")
	require.NoError(t, err)
	assert.Equal(t, models.MergeRejected, rejected.Status)
	assert.Equal(t, "conflicts with release freeze", rejected.Reason)

	_, err = q.Reject(ctx, mr.ID, "reviewer", "again")
	assert.ErrorIs(t, err, braiderrors.ErrInvalidTransition)
}

func TestMarkMerged(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	b := createBranch(t, s, "feature")

	mr, err := q.Request(ctx, b.ID, "union", true)
	require.NoError(t, err)

	// Executing a merge before approval is refused.
	_, err = q.MarkMerged(ctx, mr.ID)
	assert.ErrorIs(t, err, braiderrors.ErrApprovalRequired)

	_, err = q.Approve(ctx, mr.ID, "reviewer")
	require.NoError(t, err)

	merged, err := q.MarkMerged(ctx, mr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeMerged, merged.Status)

	_, err = q.MarkMerged(ctx, mr.ID)
	assert.ErrorIs(t, err, braiderrors.ErrInvalidTransition)
}

func TestMarkConflict(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	// Auto-approved requests can conflict without ever being pending.
	auto := createBranch(t, s, "auto")
	mr, err := q.Request(ctx, auto.ID, "union", false)
	require.NoError(t, err)

	conflicted, err := q.MarkConflict(ctx, mr.ID, "2 conflicting paths")
	require.NoError(t, err)
	assert.Equal(t, models.MergeConflict, conflicted.Status)
	assert.Equal(t, "2 conflicting paths", conflicted.Reason)

	_, err = q.MarkConflict(ctx, mr.ID, "again")
	assert.ErrorIs(t, err, braiderrors.ErrInvalidTransition)
}

func TestQueueLookups(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	branchA := createBranch(t, s, "a")
	branchB := createBranch(t, s, "b")

	mrA, err := q.Request(ctx, branchA.ID, "union", true)
	require.NoError(t, err)
	mrB, err := q.Request(ctx, branchB.ID, "ours", true)
	require.NoError(t, err)

	got, err := q.Get(ctx, mrA.ID)
	require.NoError(t, err)
	assert.Equal(t, mrA.ID, got.ID)

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, braiderrors.ErrMergeRequestNotFound)

	active, err := q.ActiveForBranch(ctx, branchB.ID)
	require.NoError(t, err)
	assert.Equal(t, mrB.ID, active.ID)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = q.Reject(ctx, mrB.ID, "reviewer", "no")
	require.NoError(t, err)

	pending, err = q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, mrA.ID, pending[0].ID)

	rejected, err := q.List(ctx, models.MergeRejected, 0)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

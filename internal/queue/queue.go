// Package queue manages merge requests: the approval gate between a branch
// finishing its work and its changes landing in the base tree.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/events"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/store"
)

// AutoApprover is recorded as the approver on requests that skip review
// because approval is not required.
const AutoApprover = "auto"

// Queue persists and transitions merge requests. The mutex serializes the
// check-then-create in Request; everything else is a single store call.
type Queue struct {
	store store.Store
	bus   *events.Bus
	mu    sync.Mutex
}

// New creates a queue over the given store. bus may be nil.
func New(s store.Store, bus *events.Bus) *Queue {
	return &Queue{store: s, bus: bus}
}

// Request queues branchID for merging. Each branch holds at most one active
// request; a second is rejected. When approval is not required the request is
// created already approved, attributed to AutoApprover.
func (q *Queue) Request(ctx context.Context, branchID, strategy string, requiresApproval bool) (*models.MergeRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, err := q.store.GetActiveMergeRequest(ctx, branchID); err == nil {
		return nil, fmt.Errorf("branch %s already has merge request %s awaiting resolution", branchID, existing.ID)
	}

	mr := &models.MergeRequest{
		BranchID:         branchID,
		Strategy:         strategy,
		Status:           models.MergePending,
		RequiresApproval: requiresApproval,
	}
	if !requiresApproval {
		now := time.Now().UTC()
		mr.Status = models.MergeApproved
		mr.ApprovedBy = AutoApprover
		mr.ApprovedAt = &now
	}

	if err := q.store.CreateMergeRequest(ctx, mr); err != nil {
		return nil, err
	}

	q.bus.Publish(events.Event{Type: events.TypeMergeRequested, BranchID: branchID, Status: string(mr.Status), Detail: mr.ID})
	return mr, nil
}

// Approve moves a pending request to approved and stamps the approver.
func (q *Queue) Approve(ctx context.Context, id, approver string) (*models.MergeRequest, error) {
	mr, err := q.store.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if mr.Status != models.MergePending {
		return nil, &braiderrors.InvalidTransitionError{From: string(mr.Status), To: string(models.MergeApproved)}
	}

	now := time.Now().UTC()
	mr.Status = models.MergeApproved
	mr.ApprovedBy = approver
	mr.ApprovedAt = &now
	if err := q.store.UpdateMergeRequest(ctx, mr); err != nil {
		return nil, err
	}

	q.bus.Publish(events.Event{Type: events.TypeMergeDecided, BranchID: mr.BranchID, Status: string(mr.Status), Detail: mr.ID})
	return mr, nil
}

// Reject moves a pending request to rejected and records who and why.
func (q *Queue) Reject(ctx context.Context, id, approver, reason string) (*models.MergeRequest, error) {
	mr, err := q.store.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if mr.Status != models.MergePending {
		return nil, &braiderrors.InvalidTransitionError{From: string(mr.Status), To: string(models.MergeRejected)}
	}

	now := time.Now().UTC()
	mr.Status = models.MergeRejected
	mr.ApprovedBy = approver
	mr.ApprovedAt = &now
	mr.Reason = reason
	if err := q.store.UpdateMergeRequest(ctx, mr); err != nil {
		return nil, err
	}

	q.bus.Publish(events.Event{Type: events.TypeMergeDecided, BranchID: mr.BranchID, Status: string(mr.Status), Detail: mr.ID})
	return mr, nil
}

// MarkMerged records that an approved request's merge was applied. Executing
// a merge on a request still awaiting approval reports ErrApprovalRequired.
func (q *Queue) MarkMerged(ctx context.Context, id string) (*models.MergeRequest, error) {
	mr, err := q.store.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch mr.Status {
	case models.MergeApproved:
	case models.MergePending:
		return nil, fmt.Errorf("merge request %s: %w", id, braiderrors.ErrApprovalRequired)
	default:
		return nil, &braiderrors.InvalidTransitionError{From: string(mr.Status), To: string(models.MergeMerged)}
	}

	mr.Status = models.MergeMerged
	if err := q.store.UpdateMergeRequest(ctx, mr); err != nil {
		return nil, err
	}

	q.bus.Publish(events.Event{Type: events.TypeMergeDecided, BranchID: mr.BranchID, Status: string(mr.Status), Detail: mr.ID})
	return mr, nil
}

// MarkConflict records that executing the merge produced conflicts. Valid
// from either active state: an auto-approved merge can hit conflicts without
// ever being pending review.
func (q *Queue) MarkConflict(ctx context.Context, id, reason string) (*models.MergeRequest, error) {
	mr, err := q.store.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !mr.Status.Active() {
		return nil, &braiderrors.InvalidTransitionError{From: string(mr.Status), To: string(models.MergeConflict)}
	}

	mr.Status = models.MergeConflict
	mr.Reason = reason
	if err := q.store.UpdateMergeRequest(ctx, mr); err != nil {
		return nil, err
	}

	q.bus.Publish(events.Event{Type: events.TypeMergeDecided, BranchID: mr.BranchID, Status: string(mr.Status), Detail: mr.ID})
	return mr, nil
}

// Get returns one request by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.MergeRequest, error) {
	return q.store.GetMergeRequest(ctx, id)
}

// ActiveForBranch returns the branch's pending or approved request, if any.
func (q *Queue) ActiveForBranch(ctx context.Context, branchID string) (*models.MergeRequest, error) {
	return q.store.GetActiveMergeRequest(ctx, branchID)
}

// ListPending returns requests awaiting a decision, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]*models.MergeRequest, error) {
	return q.store.ListMergeRequests(ctx, models.MergePending, 0)
}

// List returns requests filtered by status; empty status means all.
func (q *Queue) List(ctx context.Context, status models.MergeRequestStatus, limit int) ([]*models.MergeRequest, error) {
	return q.store.ListMergeRequests(ctx, status, limit)
}

package models

import "time"

// MergeRequestStatus represents the state of a queued merge.
type MergeRequestStatus string

const (
	MergePending  MergeRequestStatus = "pending"
	MergeApproved MergeRequestStatus = "approved"
	MergeRejected MergeRequestStatus = "rejected"
	MergeMerged   MergeRequestStatus = "merged"
	MergeConflict MergeRequestStatus = "conflict"
)

// Active reports whether the request still awaits a decision or execution.
func (s MergeRequestStatus) Active() bool {
	return s == MergePending || s == MergeApproved
}

// MergeRequest queues a branch for merging into its parent tree. At most one
// request per branch may be active at a time.
type MergeRequest struct {
	ID               string
	BranchID         string
	Strategy         string
	Status           MergeRequestStatus
	RequiresApproval bool
	ApprovedBy       string
	ApprovedAt       *time.Time
	Reason           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

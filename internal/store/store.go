package store

import (
	"context"

	"braid.dev/braid/internal/models"
)

// BranchListFilter specifies filters for listing branches.
type BranchListFilter struct {
	Status   models.BranchStatus
	ParentID string
	// Active selects only branches in a non-terminal status.
	Active bool
	Limit  int
}

// Store defines the persistence interface for the braid kernel.
type Store interface {
	// Branches
	CreateBranch(ctx context.Context, b *models.Branch) error
	GetBranch(ctx context.Context, id string) (*models.Branch, error)
	GetBranchByName(ctx context.Context, name string) (*models.Branch, error)
	ListBranches(ctx context.Context, filter BranchListFilter) ([]*models.Branch, error)
	UpdateBranch(ctx context.Context, b *models.Branch) error
	DeleteBranch(ctx context.Context, id string) error
	CountActiveBranches(ctx context.Context) (int, error)

	// Agent assignments
	CreateAssignment(ctx context.Context, a *models.AgentAssignment) error
	GetAssignment(ctx context.Context, id string) (*models.AgentAssignment, error)
	ListAssignments(ctx context.Context, branchID string) ([]*models.AgentAssignment, error)
	UpdateAssignment(ctx context.Context, a *models.AgentAssignment) error

	// Merge requests
	CreateMergeRequest(ctx context.Context, mr *models.MergeRequest) error
	GetMergeRequest(ctx context.Context, id string) (*models.MergeRequest, error)
	GetActiveMergeRequest(ctx context.Context, branchID string) (*models.MergeRequest, error)
	ListMergeRequests(ctx context.Context, status models.MergeRequestStatus, limit int) ([]*models.MergeRequest, error)
	UpdateMergeRequest(ctx context.Context, mr *models.MergeRequest) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

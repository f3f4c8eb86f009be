package models

import "time"

// BranchStatus represents the lifecycle state of a branch.
type BranchStatus string

const (
	BranchAnalyzing            BranchStatus = "analyzing_for_branch"
	BranchBranching            BranchStatus = "branching"
	BranchMerging              BranchStatus = "merging"
	BranchMergePendingApproval BranchStatus = "merge_pending_approval"
	BranchCompleted            BranchStatus = "completed"
	BranchFailed               BranchStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s BranchStatus) Terminal() bool {
	return s == BranchCompleted || s == BranchFailed
}

// ExecutionStrategy selects how a branch's assignments are run.
type ExecutionStrategy string

const (
	ExecutionSequential ExecutionStrategy = "sequential"
	ExecutionParallel   ExecutionStrategy = "parallel"
)

// AgentSpec names an agent and the task it works on within a branch.
type AgentSpec struct {
	AgentID  string `json:"agent_id" yaml:"agent"`
	TaskID   string `json:"task_id" yaml:"task_id,omitempty"`
	Task     string `json:"task" yaml:"task"`
	Priority int    `json:"priority" yaml:"priority,omitempty"`
}

// BranchConfig is the per-branch execution and merge configuration, persisted
// as a JSON document on the branch row.
type BranchConfig struct {
	Agents            []AgentSpec       `json:"agents"`
	ExecutionStrategy ExecutionStrategy `json:"execution_strategy"`
	MaxConcurrent     int               `json:"max_concurrent,omitempty"`
	// PerAgentSessions gives every assignment its own working tree cloned
	// from the branch session instead of all agents sharing one tree. The
	// agent trees are folded back into the branch session after execution.
	PerAgentSessions bool   `json:"per_agent_sessions,omitempty"`
	AutoMerge        bool   `json:"auto_merge"`
	MergeStrategy    string `json:"merge_strategy"`
	PreferredBranch  string `json:"preferred_branch,omitempty"`
}

// Branch is one candidate line of work: a session plus the agent assignments
// executing in it. Branches form a forest via ParentID; children are derived
// from a registry index, never embedded back-pointers.
type Branch struct {
	ID          string
	ParentID    string
	Name        string
	SessionID   string
	Status      BranchStatus
	Config      BranchConfig
	Result      *BranchResult
	CreatedAt   time.Time
	CompletedAt *time.Time
}

package models

import "time"

// AssignmentStatus represents the state of a single agent assignment.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentRunning   AssignmentStatus = "running"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Terminal reports whether the assignment has finished, one way or another.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed || s == AssignmentCancelled
}

// AgentAssignment is one unit of agent work within a branch, unique per
// (branch, agent, task).
type AgentAssignment struct {
	ID          string
	BranchID    string
	AgentID     string
	TaskID      string
	Task        string
	Status      AssignmentStatus
	Output      string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// AgentResult is the outcome of one assignment, embedded in a BranchResult.
type AgentResult struct {
	AgentID    string           `json:"agent_id"`
	TaskID     string           `json:"task_id"`
	Status     AssignmentStatus `json:"status"`
	Output     string           `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

// Succeeded reports whether every agent result completed.
func Succeeded(results []AgentResult) bool {
	for _, r := range results {
		if r.Status != AssignmentCompleted {
			return false
		}
	}
	return true
}

// BranchResult aggregates what a branch produced: the file changes its session
// accumulated against the base, and the per-assignment outcomes. Produced once
// all assignments reach a terminal status, persisted as JSON on the branch row.
// Conflicts is populated when a merge attempt left paths unresolved.
type BranchResult struct {
	BranchID    string        `json:"branch_id"`
	FileChanges []FileChange  `json:"file_changes"`
	Agents      []AgentResult `json:"agents"`
	Conflicts   []Conflict    `json:"conflicts,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

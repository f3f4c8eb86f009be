package models

import "time"

// SessionState represents the lifecycle state of a workspace session.
type SessionState string

const (
	SessionPending     SessionState = "pending"
	SessionActive      SessionState = "active"
	SessionCommitting  SessionState = "committing"
	SessionRollingBack SessionState = "rolling_back"
	SessionCommitted   SessionState = "committed"
	SessionRolledBack  SessionState = "rolled_back"
)

// Terminal reports whether the state admits no further mutations.
func (s SessionState) Terminal() bool {
	return s == SessionCommitted || s == SessionRolledBack
}

// Session is an isolated copy-on-write working tree cloned from a base path.
// The session path is private to the work assigned to it; the base hash taken
// at clone time detects external modification at commit.
type Session struct {
	ID          string
	BasePath    string
	SessionPath string
	BaseHash    string
	State       SessionState
	CreatedAt   time.Time
	EndedAt     *time.Time
}

// Package errors provides sentinel errors and custom error types for the
// braid kernel. Use errors.Is() and errors.As() to check for specific
// error conditions.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the kernel error taxonomy
var (
	// ErrPathNotFound indicates a base path does not exist or is not a directory
	ErrPathNotFound = errors.New("path not found")

	// ErrPathTraversal indicates a path escapes the configured allowed roots
	ErrPathTraversal = errors.New("path outside allowed roots")

	// ErrCloneFailed indicates a session tree could not be cloned
	ErrCloneFailed = errors.New("clone failed")

	// ErrSessionNotFound indicates a session id is unknown or already terminal
	ErrSessionNotFound = errors.New("session not found")

	// ErrConflict indicates the base tree changed after the session was opened
	ErrConflict = errors.New("base tree modified since session start")

	// ErrCapacityExceeded indicates the concurrent branch limit was reached
	ErrCapacityExceeded = errors.New("branch capacity exceeded")

	// ErrNestingTooDeep indicates a branch would exceed the nesting depth limit
	ErrNestingTooDeep = errors.New("branch nesting too deep")

	// ErrBranchNotFound indicates a branch id is unknown
	ErrBranchNotFound = errors.New("branch not found")

	// ErrInvalidTransition indicates a disallowed lifecycle transition
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMergeConflict indicates a merge produced unresolved conflicts
	ErrMergeConflict = errors.New("merge produced conflicts")

	// ErrApprovalRequired indicates a merge was attempted before approval
	ErrApprovalRequired = errors.New("merge approval required")

	// ErrUnknownStrategy indicates an unregistered merge strategy name
	ErrUnknownStrategy = errors.New("unknown merge strategy")

	// ErrMergeRequestNotFound indicates a merge request id is unknown
	ErrMergeRequestNotFound = errors.New("merge request not found")

	// ErrTooManyBranches indicates a merge received more branches than allowed
	ErrTooManyBranches = errors.New("too many branches")
)

// ConflictError reports a hash mismatch detected at session commit. The
// session stays active; the caller decides between retry and rollback.
type ConflictError struct {
	SessionID   string
	Path        string
	BaseHash    string
	CurrentHash string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s: base %s modified since session start (hash %.12s != %.12s)",
		e.SessionID, e.Path, e.CurrentHash, e.BaseHash)
}

// Is returns true if the target error is ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// SessionNotFoundError reports an unknown or terminal session id
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// Is returns true if the target error is ErrSessionNotFound
func (e *SessionNotFoundError) Is(target error) bool {
	return target == ErrSessionNotFound
}

// BranchNotFoundError reports an unknown branch id
type BranchNotFoundError struct {
	BranchID string
}

func (e *BranchNotFoundError) Error() string {
	return fmt.Sprintf("branch %s not found", e.BranchID)
}

// Is returns true if the target error is ErrBranchNotFound
func (e *BranchNotFoundError) Is(target error) bool {
	return target == ErrBranchNotFound
}

// CapacityExceededError reports that creating a branch would exceed the
// configured concurrent branch limit
type CapacityExceededError struct {
	Current int
	Limit   int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("max concurrent branches exceeded: %d of %d in use", e.Current, e.Limit)
}

// Is returns true if the target error is ErrCapacityExceeded
func (e *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// NestingTooDeepError reports that a branch's parent chain is too long
type NestingTooDeepError struct {
	Depth int
	Limit int
}

func (e *NestingTooDeepError) Error() string {
	return fmt.Sprintf("branch nesting depth %d exceeds limit %d", e.Depth, e.Limit)
}

// Is returns true if the target error is ErrNestingTooDeep
func (e *NestingTooDeepError) Is(target error) bool {
	return target == ErrNestingTooDeep
}

// InvalidTransitionError reports a disallowed branch status transition
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Is returns true if the target error is ErrInvalidTransition
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// UnknownStrategyError reports a merge strategy name with no registration
type UnknownStrategyError struct {
	Name string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown merge strategy %q", e.Name)
}

// Is returns true if the target error is ErrUnknownStrategy
func (e *UnknownStrategyError) Is(target error) bool {
	return target == ErrUnknownStrategy
}

// CloneFailedError reports a failed session clone and wraps the cause
type CloneFailedError struct {
	Path string
	Err  error
}

func (e *CloneFailedError) Error() string {
	return fmt.Sprintf("clone of %s failed: %v", e.Path, e.Err)
}

// Is returns true if the target error is ErrCloneFailed
func (e *CloneFailedError) Is(target error) bool {
	return target == ErrCloneFailed
}

// Unwrap returns the underlying cause
func (e *CloneFailedError) Unwrap() error {
	return e.Err
}

// TooManyBranchesError reports a merge invoked with more branch change sets
// than the strategy layer accepts
type TooManyBranchesError struct {
	Count int
	Limit int
}

func (e *TooManyBranchesError) Error() string {
	return fmt.Sprintf("too many branches: got %d, maximum is %d", e.Count, e.Limit)
}

// Is returns true if the target error is ErrTooManyBranches
func (e *TooManyBranchesError) Is(target error) bool {
	return target == ErrTooManyBranches
}

// MergeConflictError reports the number of unresolved conflicts a merge
// produced. The merge output itself carries the located conflicts.
type MergeConflictError struct {
	BranchID  string
	Conflicts int
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of branch %s produced %d conflicts", e.BranchID, e.Conflicts)
}

// Is returns true if the target error is ErrMergeConflict
func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

package branch

import "time"

// Settings bound branch execution and merging for one manager instance.
// Zero values are not meaningful; use DefaultSettings as the base and
// override from configuration.
type Settings struct {
	// MaxConcurrentBranches caps how many non-terminal branches may exist.
	MaxConcurrentBranches int
	// MaxNestingDepth caps how deep branch-of-branch chains may go.
	MaxNestingDepth int
	// DefaultMergeStrategy applies when a branch config names none.
	DefaultMergeStrategy string
	// AutoMerge makes completed branches merge without a review stop unless
	// their config says otherwise.
	AutoMerge bool
	// RequireMergeApproval parks non-auto merges until a reviewer decides.
	RequireMergeApproval bool
	// AllowNested permits creating branches from another branch's session.
	AllowNested bool
	// BranchTimeout bounds each assignment's execution.
	BranchTimeout time.Duration
}

// DefaultSettings returns the stock limits: 8 concurrent branches, nesting
// up to 3 levels, union merges that wait for approval, 5 minute assignment
// timeout.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentBranches: 8,
		MaxNestingDepth:       3,
		DefaultMergeStrategy:  "union",
		AutoMerge:             false,
		RequireMergeApproval:  true,
		AllowNested:           true,
		BranchTimeout:         300 * time.Second,
	}
}

package models

// ChangeKind classifies a file change relative to the base tree.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileChange is one file-level difference between a branch tree and its base.
// Content is nil for deletions. Paths are slash-separated and relative to the
// tree root.
type FileChange struct {
	Path    string     `json:"path"`
	Kind    ChangeKind `json:"kind"`
	Content []byte     `json:"content,omitempty"`
}

// Equal reports whether two changes are the same change: same path, same kind,
// same content. Identical changes arriving from multiple branches do not count
// as a conflict.
func (c FileChange) Equal(o FileChange) bool {
	if c.Path != o.Path || c.Kind != o.Kind {
		return false
	}
	return string(c.Content) == string(o.Content)
}

// ConflictKind classifies why two branches' changes could not be combined.
type ConflictKind string

const (
	ConflictBothModified    ConflictKind = "both_modified"
	ConflictDeleteModify    ConflictKind = "delete_modify"
	ConflictBothAdded       ConflictKind = "both_added"
	ConflictTooManyBranches ConflictKind = "too_many_branches"
	ConflictBinary          ConflictKind = "binary"
)

// ConflictVersion is one branch's content for a conflicting path.
type ConflictVersion struct {
	BranchID string `json:"branch_id"`
	Content  []byte `json:"content,omitempty"`
}

// Conflict is a located disagreement between branch trees at one path that the
// selected strategy did not resolve. Conflicts are transient merge output and
// are never persisted on their own.
type Conflict struct {
	Path     string            `json:"path"`
	Kind     ConflictKind      `json:"kind"`
	Base     []byte            `json:"base,omitempty"`
	Versions []ConflictVersion `json:"versions,omitempty"`
}

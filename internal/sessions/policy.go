package sessions

import (
	"fmt"
	"path/filepath"
	"strings"

	braiderrors "braid.dev/braid/internal/errors"
)

// Policy restricts which base paths sessions may be opened on. An empty
// policy allows every path.
type Policy struct {
	allowedRoots []string
}

// NewPolicy canonicalizes the allowed roots; each must exist.
func NewPolicy(roots []string) (*Policy, error) {
	p := &Policy{}
	for _, root := range roots {
		canonical, err := canonicalize(root)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed root %s: %w", root, err)
		}
		p.allowedRoots = append(p.allowedRoots, canonical)
	}
	return p, nil
}

// Validate checks that an already-canonical path sits inside one of the
// allowed roots.
func (p *Policy) Validate(path string) error {
	if p == nil || len(p.allowedRoots) == 0 {
		return nil
	}
	for _, root := range p.allowedRoots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %s: %w", path, braiderrors.ErrPathTraversal)
}

// canonicalize resolves symlinks and returns an absolute path, so containment
// checks cannot be escaped through links or dot segments.
func canonicalize(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}

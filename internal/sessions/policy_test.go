package sessions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	braiderrors "braid.dev/braid/internal/errors"
)

func TestPolicy_EmptyAllowsAll(t *testing.T) {
	p, err := NewPolicy(nil)
	require.NoError(t, err)
	assert.NoError(t, p.Validate("/anywhere/at/all"))

	var nilPolicy *Policy
	assert.NoError(t, nilPolicy.Validate("/anywhere/at/all"))
}

func TestPolicy_AllowsWithinRoot(t *testing.T) {
	root := t.TempDir()
	p, err := NewPolicy([]string{root})
	require.NoError(t, err)

	canonical, err := canonicalize(root)
	require.NoError(t, err)

	assert.NoError(t, p.Validate(canonical))
	assert.NoError(t, p.Validate(filepath.Join(canonical, "sub", "dir")))
}

func TestPolicy_RejectsOutside(t *testing.T) {
	parent := t.TempDir()
	allowed := filepath.Join(parent, "work")
	require.NoError(t, os.MkdirAll(allowed, 0o755))

	p, err := NewPolicy([]string{allowed})
	require.NoError(t, err)

	canonicalParent, err := canonicalize(parent)
	require.NoError(t, err)

	err = p.Validate(filepath.Join(canonicalParent, "elsewhere"))
	assert.ErrorIs(t, err, braiderrors.ErrPathTraversal)

	// A sibling sharing the root as a name prefix is still outside.
	err = p.Validate(filepath.Join(canonicalParent, "workspace"))
	assert.ErrorIs(t, err, braiderrors.ErrPathTraversal)
}

func TestPolicy_SymlinkEscapeDetected(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "s")

	link := filepath.Join(allowed, "link")
	require.NoError(t, os.Symlink(outside, link))

	// Canonicalization resolves the link to its target outside the root.
	canonical, err := canonicalize(link)
	require.NoError(t, err)

	p, err := NewPolicy([]string{allowed})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Validate(canonical), braiderrors.ErrPathTraversal)
}

func TestPolicy_MissingRootFails(t *testing.T) {
	_, err := NewPolicy([]string{filepath.Join(t.TempDir(), "absent")})
	assert.Error(t, err)
}

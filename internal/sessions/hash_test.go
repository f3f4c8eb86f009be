package sessions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTree_Deterministic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "sub/b.txt", "beta")

	first, err := HashTree(root)
	require.NoError(t, err)
	second, err := HashTree(root)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64, "hex sha256")
}

func TestHashTree_EqualTreesMatch(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()
	for _, root := range []string{left, right} {
		writeFile(t, root, "a.txt", "alpha")
		writeFile(t, root, "sub/b.txt", "beta")
	}

	leftHash, err := HashTree(left)
	require.NoError(t, err)
	rightHash, err := HashTree(right)
	require.NoError(t, err)
	assert.Equal(t, leftHash, rightHash, "hash depends on relative paths only")
}

func TestHashTree_Sensitivity(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	base, err := HashTree(root)
	require.NoError(t, err)

	// Content change.
	writeFile(t, root, "a.txt", "ALPHA")
	changed, err := HashTree(root)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)

	// Rename back to original content but a new path.
	writeFile(t, root, "a.txt", "alpha")
	require.NoError(t, os.Rename(filepath.Join(root, "a.txt"), filepath.Join(root, "b.txt")))
	renamed, err := HashTree(root)
	require.NoError(t, err)
	assert.NotEqual(t, base, renamed)

	// Added file.
	require.NoError(t, os.Rename(filepath.Join(root, "b.txt"), filepath.Join(root, "a.txt")))
	restored, err := HashTree(root)
	require.NoError(t, err)
	assert.Equal(t, base, restored)
	writeFile(t, root, "extra.txt", "x")
	grown, err := HashTree(root)
	require.NoError(t, err)
	assert.NotEqual(t, base, grown)
}

func TestHashTree_EmptyDir(t *testing.T) {
	first, err := HashTree(t.TempDir())
	require.NoError(t, err)
	second, err := HashTree(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestHashTree_MissingRoot(t *testing.T) {
	_, err := HashTree(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestCloneTree_CopiesEverything(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "alpha")
	writeFile(t, src, "deep/nested/b.txt", "beta")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "emptydir"), 0o755))

	dst := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, CloneTree(src, dst))

	assert.Equal(t, "alpha", readFile(t, dst, "a.txt"))
	assert.Equal(t, "beta", readFile(t, dst, "deep/nested/b.txt"))
	info, err := os.Stat(filepath.Join(dst, "emptydir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	srcHash, err := HashTree(src)
	require.NoError(t, err)
	dstHash, err := HashTree(dst)
	require.NoError(t, err)
	assert.Equal(t, srcHash, dstHash)
}

func TestCloneTree_PreservesFileMode(t *testing.T) {
	src := t.TempDir()
	script := filepath.Join(src, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	dst := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, CloneTree(src, dst))

	info, err := os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

package merge

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"braid.dev/braid/internal/models"
)

// stagingPrefix marks transient apply directories; they are never part of the
// tree content being compared.
const stagingPrefix = ".commit_"

// DiffTrees classifies every file under branchPath against basePath, returning
// one change per differing path, sorted by path. Added and modified changes
// carry the branch's content; deletions carry none.
func DiffTrees(basePath, branchPath string) ([]models.FileChange, error) {
	baseFiles, err := listFiles(basePath)
	if err != nil {
		return nil, fmt.Errorf("walk base tree: %w", err)
	}
	branchFiles, err := listFiles(branchPath)
	if err != nil {
		return nil, fmt.Errorf("walk branch tree: %w", err)
	}

	inBase := make(map[string]bool, len(baseFiles))
	for _, f := range baseFiles {
		inBase[f] = true
	}
	inBranch := make(map[string]bool, len(branchFiles))
	for _, f := range branchFiles {
		inBranch[f] = true
	}

	var changes []models.FileChange
	for _, rel := range branchFiles {
		content, err := os.ReadFile(filepath.Join(branchPath, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("read branch file %s: %w", rel, err)
		}
		if !inBase[rel] {
			changes = append(changes, models.FileChange{Path: rel, Kind: models.ChangeAdded, Content: content})
			continue
		}
		baseContent, err := os.ReadFile(filepath.Join(basePath, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("read base file %s: %w", rel, err)
		}
		if !bytes.Equal(content, baseContent) {
			changes = append(changes, models.FileChange{Path: rel, Kind: models.ChangeModified, Content: content})
		}
	}
	for _, rel := range baseFiles {
		if !inBranch[rel] {
			changes = append(changes, models.FileChange{Path: rel, Kind: models.ChangeDeleted})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// listFiles returns the slash-separated relative paths of all regular files
// under root, sorted.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), stagingPrefix) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

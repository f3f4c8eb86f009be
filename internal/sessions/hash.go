package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// hashBufferSize is the read buffer used while streaming file content into
// the digest.
const hashBufferSize = 8192

// HashTree computes a SHA-256 digest over every file under root, walked in
// sorted path order. Each file contributes its slash-separated relative path
// followed by its content; the decimal file count is hashed last so that
// deletions change the digest even when all remaining bytes match.
func HashTree(root string) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(paths)

	h := sha256.New()
	buf := make([]byte, hashBufferSize)
	count := 0
	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", err
		}
		h.Write([]byte(filepath.ToSlash(rel)))

		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", path, err)
		}
		_, err = io.CopyBuffer(h, f, buf)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
		count++
	}
	h.Write([]byte(strconv.Itoa(count)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileHashes computes a SHA-256 digest per file under root, keyed by
// slash-separated path relative to root.
func FileHashes(root string) (map[string]string, error) {
	hashes := make(map[string]string)
	buf := make([]byte, hashBufferSize)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		h := sha256.New()
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		_, err = io.CopyBuffer(h, f, buf)
		f.Close()
		if err != nil {
			return fmt.Errorf("hash %s: %w", path, err)
		}
		hashes[filepath.ToSlash(rel)] = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return hashes, nil
}

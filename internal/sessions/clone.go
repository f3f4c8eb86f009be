package sessions

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CloneTree copies the directory tree at src into dst, using a copy-on-write
// clone per file where the platform and filesystem support it and a buffered
// copy otherwise.
func CloneTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if err := reflinkFile(path, target, info.Mode().Perm()); err == nil {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

// copyFile is the fallback for filesystems without reflink support.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package merge

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"braid.dev/braid/internal/models"
)

// Apply writes a merged change set into the base tree in two phases: adds and
// modifications are first staged under a hidden directory inside base, then
// deletions are processed, and finally the staged files are renamed into
// place. The staging directory is removed whichever way the apply ends, so a
// failed apply leaves at worst staged copies, never half-written files.
func Apply(basePath string, changes []models.FileChange) error {
	if len(changes) == 0 {
		return nil
	}

	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	stagingDir := filepath.Join(basePath, stagingPrefix+ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	// Phase one: write every add and modification into staging.
	for _, c := range changes {
		if c.Kind == models.ChangeDeleted {
			continue
		}
		staged := filepath.Join(stagingDir, filepath.FromSlash(c.Path))
		if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
			return fmt.Errorf("stage %s: %w", c.Path, err)
		}
		if err := os.WriteFile(staged, c.Content, 0o644); err != nil {
			return fmt.Errorf("stage %s: %w", c.Path, err)
		}
	}

	// Phase two: deletions first, then rename staged files into place.
	for _, c := range changes {
		if c.Kind != models.ChangeDeleted {
			continue
		}
		target := filepath.Join(basePath, filepath.FromSlash(c.Path))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", c.Path, err)
		}
	}
	for _, c := range changes {
		if c.Kind == models.ChangeDeleted {
			continue
		}
		staged := filepath.Join(stagingDir, filepath.FromSlash(c.Path))
		target := filepath.Join(basePath, filepath.FromSlash(c.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("apply %s: %w", c.Path, err)
		}
		if err := os.Rename(staged, target); err != nil {
			return fmt.Errorf("apply %s: %w", c.Path, err)
		}
	}
	return nil
}

package merge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/models"
)

// MaxBranches caps how many branch change sets a single merge may combine.
const MaxBranches = 8

// BranchChanges is one branch's contribution to a merge: its id and the file
// changes its session accumulated against the base tree.
type BranchChanges struct {
	BranchID string
	Changes  []models.FileChange
	// Baseline holds per-file digests of the tree the branch was cloned
	// from, keyed by slash-separated path. Strategies use it to tell
	// whether the base has moved under a change since the clone; nil
	// disables drift detection.
	Baseline map[string]string
}

// Strategy combines per-branch change sets into one applicable set plus any
// conflicts the strategy could not resolve. Strategies read the base tree for
// context but never write to it.
type Strategy interface {
	Name() string
	Description() string
	Merge(ctx context.Context, basePath string, branches []BranchChanges) (*Result, error)
}

// DefaultStrategy is used when a branch config names no merge strategy.
const DefaultStrategy = "union"

// Registry maps strategy names to implementations.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry returns a registry with the four built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(&Union{})
	r.Register(&Ours{})
	r.Register(&Theirs{})
	r.Register(&ThreeWay{})
	return r
}

// Register adds or replaces a strategy under its own name.
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get returns the named strategy, defaulting to union for the empty name.
func (r *Registry) Get(name string) (Strategy, error) {
	if name == "" {
		name = DefaultStrategy
	}
	s, ok := r.strategies[name]
	if !ok {
		return nil, &braiderrors.UnknownStrategyError{Name: name}
	}
	return s, nil
}

// ForConfig resolves the strategy a branch config asks for. A preferred
// branch only makes sense for theirs, where it selects the winning side.
func (r *Registry) ForConfig(cfg models.BranchConfig) (Strategy, error) {
	name := cfg.MergeStrategy
	if name == "" {
		name = DefaultStrategy
	}
	if name == "theirs" && cfg.PreferredBranch != "" {
		return &Theirs{PreferredBranch: cfg.PreferredBranch}, nil
	}
	return r.Get(name)
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns name/description pairs for every registered strategy.
func (r *Registry) Describe() map[string]string {
	out := make(map[string]string, len(r.strategies))
	for name, s := range r.strategies {
		out[name] = s.Description()
	}
	return out
}

func validateBranchCount(branches []BranchChanges) error {
	if len(branches) > MaxBranches {
		return &braiderrors.TooManyBranchesError{Count: len(branches), Limit: MaxBranches}
	}
	return nil
}

// readBaseFile reads a base tree file by relative path; a missing file is not
// an error, it just means the path did not exist in base.
func readBaseFile(basePath, rel string) ([]byte, error) {
	content, err := os.ReadFile(filepath.Join(basePath, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read base file %s: %w", rel, err)
	}
	return content, nil
}

// Package sessions implements copy-on-write working trees with optimistic
// concurrency. A session clones its base directory, accumulates edits in
// isolation, and commits by swapping the whole tree back under the base path
// in one rename, rejecting the swap when the base changed underneath it.
package sessions

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/events"
	"braid.dev/braid/internal/models"
)

// sessionDirPrefix names session trees under the manager's root directory.
const sessionDirPrefix = "session_"

// Options configures a Manager.
type Options struct {
	// Dir is where session trees live. Defaults to a "braid" directory
	// under the system temp dir.
	Dir string
	// AllowedRoots restricts base paths; empty allows everything.
	AllowedRoots []string
	// Bus receives session lifecycle events; nil disables publishing.
	Bus *events.Bus
}

// Manager owns every live session: it clones base trees on Begin, hands out
// isolated working paths, and swaps trees back atomically on Commit. Sessions
// never block each other; conflicting commits are rejected, not serialized.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	// baselines holds per-file digests of each session tree as cloned,
	// so Changes can tell what the session itself touched even after the
	// base has moved on.
	baselines map[string]map[string]string
	dir       string
	policy    *Policy
	bus       *events.Bus
}

// NewManager builds a manager and ensures its session directory exists.
func NewManager(opts Options) (*Manager, error) {
	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "braid")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	roots := opts.AllowedRoots
	if len(roots) > 0 {
		// Session trees themselves are valid clone bases (nested branches
		// clone from a parent's session), so the manager's own dir is
		// always trusted.
		roots = append(append([]string(nil), roots...), dir)
	}
	policy, err := NewPolicy(roots)
	if err != nil {
		return nil, err
	}
	return &Manager{
		sessions:  make(map[string]*models.Session),
		baselines: make(map[string]map[string]string),
		dir:       dir,
		policy:    policy,
		bus:       opts.Bus,
	}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Dir returns the directory session trees are created under.
func (m *Manager) Dir() string {
	return m.dir
}

// Begin opens a copy-on-write session on basePath and returns its id. The
// base tree is hashed before cloning so Commit can detect external
// modification later. Clone I/O runs outside the registry lock; the session
// is visible in Pending state while it runs.
func (m *Manager) Begin(ctx context.Context, basePath string) (string, error) {
	canonical, err := canonicalize(basePath)
	if err != nil {
		return "", fmt.Errorf("base path %s: %w", basePath, braiderrors.ErrPathNotFound)
	}
	info, err := os.Stat(canonical)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("base path %s: %w", basePath, braiderrors.ErrPathNotFound)
	}
	if err := m.policy.Validate(canonical); err != nil {
		return "", err
	}

	id := newULID()
	sessionPath := filepath.Join(m.dir, sessionDirPrefix+id)

	m.mu.Lock()
	m.sessions[id] = &models.Session{
		ID:          id,
		BasePath:    canonical,
		SessionPath: sessionPath,
		State:       models.SessionPending,
		CreatedAt:   time.Now().UTC(),
	}
	m.mu.Unlock()

	baseHash, err := HashTree(canonical)
	if err == nil {
		err = CloneTree(canonical, sessionPath)
	}
	var baseline map[string]string
	if err == nil {
		// Digest the clone, not the base: the clone is the exact tree the
		// session starts from even if the base is being edited right now.
		baseline, err = FileHashes(sessionPath)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		os.RemoveAll(sessionPath)
		return "", &braiderrors.CloneFailedError{Path: basePath, Err: err}
	}

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.BaseHash = baseHash
		s.State = models.SessionActive
		m.baselines[id] = baseline
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.TypeSessionStarted, SessionID: id, Detail: canonical})
	return id, nil
}

// Path returns the session's private working directory. Unknown and terminal
// sessions report ErrSessionNotFound.
func (m *Manager) Path(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.State.Terminal() {
		return "", &braiderrors.SessionNotFoundError{SessionID: id}
	}
	return s.SessionPath, nil
}

// Get returns a copy of the session record.
func (m *Manager) Get(id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &braiderrors.SessionNotFoundError{SessionID: id}
	}
	c := *s
	return &c, nil
}

// Changes reports what the session itself has changed since it was cloned,
// by comparing the live tree against the per-file digests recorded at Begin.
// Edits made to the base after cloning do not show up here, which is what
// lets several sessions over the same base land their work independently.
// Content is read from the live tree; deletions carry none.
func (m *Manager) Changes(id string) ([]models.FileChange, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	var state models.SessionState
	var sessionPath string
	var baseline map[string]string
	if ok {
		state = s.State
		sessionPath = s.SessionPath
		baseline = m.baselines[id]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, &braiderrors.SessionNotFoundError{SessionID: id}
	}
	if state != models.SessionActive {
		return nil, fmt.Errorf("session %s is %s, not active", id, state)
	}

	current, err := FileHashes(sessionPath)
	if err != nil {
		return nil, fmt.Errorf("hash session tree: %w", err)
	}

	var changes []models.FileChange
	for rel, hash := range current {
		baseHash, existed := baseline[rel]
		if existed && baseHash == hash {
			continue
		}
		content, err := os.ReadFile(filepath.Join(sessionPath, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("read session file %s: %w", rel, err)
		}
		kind := models.ChangeAdded
		if existed {
			kind = models.ChangeModified
		}
		changes = append(changes, models.FileChange{Path: rel, Kind: kind, Content: content})
	}
	for rel := range baseline {
		if _, still := current[rel]; !still {
			changes = append(changes, models.FileChange{Path: rel, Kind: models.ChangeDeleted})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// Baseline returns a copy of the per-file digests recorded when the session
// was cloned, keyed by slash-separated relative path.
func (m *Manager) Baseline(id string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	baseline, ok := m.baselines[id]
	if !ok {
		return nil, &braiderrors.SessionNotFoundError{SessionID: id}
	}
	out := make(map[string]string, len(baseline))
	for path, hash := range baseline {
		out[path] = hash
	}
	return out, nil
}

// Commit swaps the session tree into the base path. The base is re-hashed
// first: a mismatch against the hash taken at Begin means something else
// modified the base, and the commit is rejected with a ConflictError while
// the session stays active for the caller to retry or roll back.
func (m *Manager) Commit(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &braiderrors.SessionNotFoundError{SessionID: id}
	}
	if s.State != models.SessionActive {
		from := string(s.State)
		m.mu.Unlock()
		return &braiderrors.InvalidTransitionError{From: from, To: string(models.SessionCommitting)}
	}
	s.State = models.SessionCommitting
	basePath, baseHash, sessionPath := s.BasePath, s.BaseHash, s.SessionPath
	m.mu.Unlock()

	currentHash, err := HashTree(basePath)
	if err != nil {
		m.setState(id, models.SessionActive)
		return fmt.Errorf("rehash base: %w", err)
	}
	if currentHash != baseHash {
		m.setState(id, models.SessionActive)
		m.bus.Publish(events.Event{Type: events.TypeSessionConflict, SessionID: id, Detail: basePath})
		return &braiderrors.ConflictError{SessionID: id, Path: basePath, BaseHash: baseHash, CurrentHash: currentHash}
	}

	// Swap: displace the base, move the session tree into its place, then
	// drop the displaced copy. A failed second rename restores the first.
	oldPath := basePath + ".old_" + id
	if err := os.Rename(basePath, oldPath); err != nil {
		m.setState(id, models.SessionActive)
		return fmt.Errorf("displace base: %w", err)
	}
	if err := os.Rename(sessionPath, basePath); err != nil {
		m.setState(id, models.SessionActive)
		if restoreErr := os.Rename(oldPath, basePath); restoreErr != nil {
			return fmt.Errorf("swap session into place: %w (base left at %s)", err, oldPath)
		}
		return fmt.Errorf("swap session into place: %w", err)
	}
	_ = os.RemoveAll(oldPath)

	now := time.Now().UTC()
	m.mu.Lock()
	s.State = models.SessionCommitted
	s.EndedAt = &now
	delete(m.sessions, id)
	delete(m.baselines, id)
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.TypeSessionCommitted, SessionID: id, Detail: basePath})
	return nil
}

// Rollback discards the session tree. The session must be Active: a commit
// already in flight holds the id until it lands or falls back to Active, so a
// failed commit can still be rolled back.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &braiderrors.SessionNotFoundError{SessionID: id}
	}
	if s.State != models.SessionActive {
		from := string(s.State)
		m.mu.Unlock()
		return &braiderrors.InvalidTransitionError{From: from, To: string(models.SessionRollingBack)}
	}
	s.State = models.SessionRollingBack
	sessionPath := s.SessionPath
	m.mu.Unlock()

	if err := os.RemoveAll(sessionPath); err != nil {
		m.setState(id, models.SessionActive)
		return fmt.Errorf("remove session tree: %w", err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	s.State = models.SessionRolledBack
	s.EndedAt = &now
	delete(m.sessions, id)
	delete(m.baselines, id)
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.TypeSessionRolledBack, SessionID: id})
	return nil
}

// CleanupOrphans removes session directories with no matching in-memory
// record, typically left behind by a crash, and returns how many it removed.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read session dir: %w", err)
	}

	cleaned := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), sessionDirPrefix) {
			continue
		}
		id := strings.TrimPrefix(entry.Name(), sessionDirPrefix)
		m.mu.RLock()
		_, known := m.sessions[id]
		m.mu.RUnlock()
		if known {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, entry.Name())); err != nil {
			return cleaned, fmt.Errorf("remove orphaned session %s: %w", id, err)
		}
		cleaned++
	}
	return cleaned, nil
}

// OrphanCount reports how many session directories have no matching
// in-memory record, without removing anything.
func (m *Manager) OrphanCount() int {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), sessionDirPrefix) {
			continue
		}
		id := strings.TrimPrefix(entry.Name(), sessionDirPrefix)
		m.mu.RLock()
		_, known := m.sessions[id]
		m.mu.RUnlock()
		if !known {
			count++
		}
	}
	return count
}

// ActiveCount returns how many sessions are currently active.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.State == models.SessionActive {
			n++
		}
	}
	return n
}

// List returns a snapshot of every tracked session, oldest first.
func (m *Manager) List() []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// setState updates a session's state if the record still exists.
func (m *Manager) setState(id string, state models.SessionState) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.State = state
	}
	m.mu.Unlock()
}

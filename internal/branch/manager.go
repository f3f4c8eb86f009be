// Package branch coordinates the branch lifecycle: a branch is created over
// an isolated session cloned from a base tree, agents execute their
// assignments inside it, and the accumulated changes merge back into the
// base either automatically or after review. Branches form a forest; nested
// branches clone from their parent's session and merge back into it.
package branch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"braid.dev/braid/internal/engine"
	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/events"
	"braid.dev/braid/internal/merge"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/queue"
	"braid.dev/braid/internal/sessions"
	"braid.dev/braid/internal/store"
)

// Options configures a Manager. Store and Sessions are required; Registry
// and Queue get sensible defaults, and Engine may stay nil for managers that
// never run assignments themselves.
type Options struct {
	Store    store.Store
	Sessions *sessions.Manager
	Engine   *engine.Engine
	Registry *merge.Registry
	Queue    *queue.Queue
	Bus      *events.Bus
	Settings Settings
}

// Manager owns the live branch forest. Every status change is validated
// against the lifecycle and persisted while the registry lock is held, so
// racing callers observe one consistent sequence per branch; the heavy work
// (cloning, agent execution, merging) runs outside the lock.
type Manager struct {
	store    store.Store
	sessions *sessions.Manager
	engine   *engine.Engine
	registry *merge.Registry
	queue    *queue.Queue
	bus      *events.Bus
	settings Settings

	mu       sync.RWMutex
	branches map[string]*models.Branch
	children map[string][]string
	cancels  map[string]context.CancelFunc
}

// NewManager builds a branch manager. Zero-valued settings fields fall back
// to the defaults.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("branch manager: store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("branch manager: session manager is required")
	}

	settings := opts.Settings
	def := DefaultSettings()
	if settings.MaxConcurrentBranches <= 0 {
		settings.MaxConcurrentBranches = def.MaxConcurrentBranches
	}
	if settings.MaxNestingDepth <= 0 {
		settings.MaxNestingDepth = def.MaxNestingDepth
	}
	if settings.DefaultMergeStrategy == "" {
		settings.DefaultMergeStrategy = def.DefaultMergeStrategy
	}
	if settings.BranchTimeout <= 0 {
		settings.BranchTimeout = def.BranchTimeout
	}

	registry := opts.Registry
	if registry == nil {
		registry = merge.NewRegistry()
	}
	q := opts.Queue
	if q == nil {
		q = queue.New(opts.Store, opts.Bus)
	}

	return &Manager{
		store:    opts.Store,
		sessions: opts.Sessions,
		engine:   opts.Engine,
		registry: registry,
		queue:    q,
		bus:      opts.Bus,
		settings: settings,
		branches: make(map[string]*models.Branch),
		children: make(map[string][]string),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Settings returns the limits this manager runs under.
func (m *Manager) Settings() Settings {
	return m.settings
}

// Strategies returns the registered merge strategy names and descriptions.
func (m *Manager) Strategies() map[string]string {
	return m.registry.Describe()
}

// Queue returns the merge queue this manager drives.
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// CreateRequest describes a new branch. Base names the tree to clone; for
// nested branches ParentID selects the parent and the clone base is the
// parent's session tree instead.
type CreateRequest struct {
	Name     string
	Base     string
	ParentID string
	Config   models.BranchConfig
}

// Create opens a session over the base tree, persists the branch row along
// with one pending assignment per agent, and registers the branch in the
// forest with status AnalyzingForBranch.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Branch, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("create branch: name is required")
	}
	if len(req.Config.Agents) == 0 {
		return nil, fmt.Errorf("create branch %s: at least one agent assignment is required", req.Name)
	}

	active, err := m.store.CountActiveBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active branches: %w", err)
	}
	if active >= m.settings.MaxConcurrentBranches {
		return nil, &braiderrors.CapacityExceededError{Current: active, Limit: m.settings.MaxConcurrentBranches}
	}

	if existing, err := m.store.GetBranchByName(ctx, req.Name); err == nil {
		return nil, fmt.Errorf("branch name %q already taken by %s", req.Name, existing.ID)
	} else if !errors.Is(err, braiderrors.ErrBranchNotFound) {
		return nil, fmt.Errorf("check branch name: %w", err)
	}

	cfg := req.Config
	if cfg.ExecutionStrategy == "" {
		cfg.ExecutionStrategy = models.ExecutionSequential
	}
	if cfg.MergeStrategy == "" {
		cfg.MergeStrategy = m.settings.DefaultMergeStrategy
	}
	if _, err := m.registry.Get(cfg.MergeStrategy); err != nil {
		return nil, err
	}

	base := req.Base
	if req.ParentID != "" {
		if !m.settings.AllowNested {
			return nil, fmt.Errorf("create branch %s: nested branches are disabled", req.Name)
		}
		parent, depth, err := m.resolveParent(req.ParentID)
		if err != nil {
			return nil, err
		}
		if depth+1 > m.settings.MaxNestingDepth {
			return nil, &braiderrors.NestingTooDeepError{Depth: depth + 1, Limit: m.settings.MaxNestingDepth}
		}
		base, err = m.sessions.Path(parent.SessionID)
		if err != nil {
			return nil, fmt.Errorf("resolve parent session: %w", err)
		}
	} else if base == "" {
		return nil, fmt.Errorf("create branch %s: base path is required", req.Name)
	}

	sessionID, err := m.sessions.Begin(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	b := &models.Branch{
		ParentID:  req.ParentID,
		Name:      req.Name,
		SessionID: sessionID,
		Status:    models.BranchAnalyzing,
		Config:    cfg,
	}
	if err := m.store.CreateBranch(ctx, b); err != nil {
		m.rollbackSession(ctx, sessionID)
		return nil, fmt.Errorf("persist branch: %w", err)
	}
	for i, spec := range cfg.Agents {
		taskID := spec.TaskID
		if taskID == "" {
			taskID = fmt.Sprintf("task-%d", i+1)
		}
		a := &models.AgentAssignment{
			BranchID: b.ID,
			AgentID:  spec.AgentID,
			TaskID:   taskID,
			Task:     spec.Task,
		}
		if err := m.store.CreateAssignment(ctx, a); err != nil {
			m.rollbackSession(ctx, sessionID)
			_ = m.store.DeleteBranch(ctx, b.ID)
			return nil, fmt.Errorf("persist assignment for agent %s: %w", spec.AgentID, err)
		}
	}

	m.mu.Lock()
	m.branches[b.ID] = b
	if b.ParentID != "" {
		m.children[b.ParentID] = append(m.children[b.ParentID], b.ID)
	}
	c := *b
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:      events.TypeBranchCreated,
		BranchID:  b.ID,
		SessionID: sessionID,
		Status:    string(models.BranchAnalyzing),
		Detail:    b.Name,
	})
	return &c, nil
}

// resolveParent returns the live parent branch and the length of its parent
// chain, itself included.
func (m *Manager) resolveParent(id string) (*models.Branch, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parent, ok := m.branches[id]
	if !ok {
		return nil, 0, &braiderrors.BranchNotFoundError{BranchID: id}
	}
	depth := 0
	for cur := parent; cur != nil; {
		depth++
		if cur.ParentID == "" {
			break
		}
		cur = m.branches[cur.ParentID]
	}
	return parent, depth, nil
}

// Get returns a branch by id, whether live or terminal.
func (m *Manager) Get(ctx context.Context, id string) (*models.Branch, error) {
	return m.store.GetBranch(ctx, id)
}

// GetByName returns a branch by its unique name.
func (m *Manager) GetByName(ctx context.Context, name string) (*models.Branch, error) {
	return m.store.GetBranchByName(ctx, name)
}

// List returns branches matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter store.BranchListFilter) ([]*models.Branch, error) {
	return m.store.ListBranches(ctx, filter)
}

// Children returns the ids of a branch's live children.
func (m *Manager) Children(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.children[id]...)
}

// ActiveCount returns how many branches are currently live.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.branches)
}

// transition validates and applies one status change under the registry
// lock, persisting the updated row before the lock is released so the store
// never sees transitions out of order. Terminal branches leave the registry.
func (m *Manager) transition(ctx context.Context, id string, to models.BranchStatus, mutate func(*models.Branch)) (*models.Branch, error) {
	m.mu.Lock()
	b, ok := m.branches[id]
	if !ok {
		m.mu.Unlock()
		return nil, &braiderrors.BranchNotFoundError{BranchID: id}
	}
	if err := ValidateTransition(b.Status, to); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("branch %s: %w", id, err)
	}
	prev := *b
	b.Status = to
	if mutate != nil {
		mutate(b)
	}
	if to.Terminal() && b.CompletedAt == nil {
		now := time.Now().UTC()
		b.CompletedAt = &now
	}
	if err := m.store.UpdateBranch(ctx, b); err != nil {
		*b = prev
		m.mu.Unlock()
		return nil, fmt.Errorf("persist branch %s: %w", id, err)
	}
	if to.Terminal() {
		delete(m.branches, id)
		delete(m.cancels, id)
		if b.ParentID != "" {
			kids := m.children[b.ParentID]
			for i, k := range kids {
				if k == id {
					m.children[b.ParentID] = append(kids[:i], kids[i+1:]...)
					break
				}
			}
		}
		delete(m.children, id)
	}
	c := *b
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:      events.TypeBranchStatus,
		BranchID:  id,
		SessionID: c.SessionID,
		Status:    string(to),
	})
	return &c, nil
}

// MarkExecuting moves a branch from AnalyzingForBranch into Branching.
func (m *Manager) MarkExecuting(ctx context.Context, id string) (*models.Branch, error) {
	return m.transition(ctx, id, models.BranchBranching, nil)
}

// Progress publishes an assignment progress update for a Branching branch.
func (m *Manager) Progress(ctx context.Context, id string, completed, total int) error {
	m.mu.RLock()
	b, ok := m.branches[id]
	var status models.BranchStatus
	if ok {
		status = b.Status
	}
	m.mu.RUnlock()

	if !ok {
		return &braiderrors.BranchNotFoundError{BranchID: id}
	}
	if err := ValidateTransition(status, models.BranchBranching); err != nil {
		return fmt.Errorf("branch %s: %w", id, err)
	}
	m.bus.Publish(events.Event{
		Type:     events.TypeBranchStatus,
		BranchID: id,
		Status:   string(models.BranchBranching),
		Detail:   fmt.Sprintf("%d/%d assignments complete", completed, total),
	})
	return nil
}

// Run executes a branch end to end: assignments run inside the session via
// the engine, the session tree is classified against its base, and the
// branch completes into the merge flow. Blocks until the branch reaches
// Merging, MergePendingApproval, or a terminal status.
func (m *Manager) Run(ctx context.Context, id string) (*models.Branch, error) {
	if m.engine == nil {
		return nil, fmt.Errorf("branch %s: no execution engine configured", id)
	}
	b, err := m.MarkExecuting(ctx, id)
	if err != nil {
		return nil, err
	}

	sessionPath, err := m.sessions.Path(b.SessionID)
	if err != nil {
		return m.fail(ctx, id, fmt.Errorf("resolve session: %w", err))
	}
	assignments, err := m.store.ListAssignments(ctx, id)
	if err != nil {
		return m.fail(ctx, id, fmt.Errorf("load assignments: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
	}()

	var done atomic.Int32
	total := len(assignments)
	onUpdate := func(a *models.AgentAssignment) {
		if err := m.store.UpdateAssignment(ctx, a); err != nil {
			return
		}
		if a.Status.Terminal() {
			_ = m.Progress(ctx, id, int(done.Add(1)), total)
		}
	}

	started := time.Now().UTC()
	var results []engine.Result
	if b.Config.PerAgentSessions {
		var conflicts []models.Conflict
		results, conflicts, err = m.runPerAgent(runCtx, b, sessionPath, assignments, onUpdate)
		if err != nil {
			return m.fail(ctx, id, err)
		}
		if len(conflicts) > 0 {
			// The agents' trees diverged; nothing coherent can merge onward.
			result := &models.BranchResult{
				BranchID:   id,
				Agents:     engine.ToAgentResults(results),
				Conflicts:  conflicts,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
			}
			fb, terr := m.transition(ctx, id, models.BranchFailed, func(b *models.Branch) { b.Result = result })
			if terr != nil {
				return nil, terr
			}
			m.rollbackSession(ctx, fb.SessionID)
			return fb, nil
		}
	} else {
		results = m.engine.Execute(runCtx, b.Config.ExecutionStrategy, b.Config.MaxConcurrent, assignments, sessionPath, onUpdate)
	}
	agents := engine.ToAgentResults(results)

	result := &models.BranchResult{
		BranchID:   id,
		Agents:     agents,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if models.Succeeded(agents) {
		changes, err := m.sessions.Changes(b.SessionID)
		if err != nil {
			return m.fail(ctx, id, fmt.Errorf("collect session changes: %w", err))
		}
		result.FileChanges = changes
	}

	br, err := m.Complete(ctx, id, result)
	if err != nil {
		var nf *braiderrors.BranchNotFoundError
		if errors.As(err, &nf) {
			// Aborted while running; report where the branch landed.
			return m.store.GetBranch(ctx, id)
		}
		return nil, err
	}
	return br, nil
}

// runPerAgent executes each assignment in its own session cloned from the
// branch session tree, then folds the per-agent change sets back into the
// branch session through the configured merge strategy. Agent sessions are
// always rolled back; divergent edits come back as conflicts and nothing is
// folded.
func (m *Manager) runPerAgent(ctx context.Context, b *models.Branch, sessionPath string, assignments []*models.AgentAssignment, onUpdate engine.UpdateFunc) ([]engine.Result, []models.Conflict, error) {
	ids := make([]string, 0, len(assignments))
	paths := make([]string, 0, len(assignments))
	defer func() {
		for _, sid := range ids {
			m.rollbackSession(ctx, sid)
		}
	}()
	for range assignments {
		sid, err := m.sessions.Begin(ctx, sessionPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open agent session: %w", err)
		}
		ids = append(ids, sid)
		p, err := m.sessions.Path(sid)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve agent session: %w", err)
		}
		paths = append(paths, p)
	}

	results := m.engine.ExecuteIn(ctx, b.Config.ExecutionStrategy, b.Config.MaxConcurrent, assignments, paths, onUpdate)
	if !models.Succeeded(engine.ToAgentResults(results)) {
		// Complete fails the branch; the agent trees are discarded.
		return results, nil, nil
	}

	inputs := make([]merge.BranchChanges, 0, len(ids))
	for i, sid := range ids {
		changes, err := m.sessions.Changes(sid)
		if err != nil {
			return nil, nil, fmt.Errorf("collect agent session changes: %w", err)
		}
		if len(changes) == 0 {
			continue
		}
		baseline, err := m.sessions.Baseline(sid)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve agent session baseline: %w", err)
		}
		inputs = append(inputs, merge.BranchChanges{
			BranchID: assignments[i].AgentID,
			Changes:  changes,
			Baseline: baseline,
		})
	}
	if len(inputs) == 0 {
		return results, nil, nil
	}

	strategy, err := m.registry.ForConfig(b.Config)
	if err != nil {
		return nil, nil, err
	}
	res, err := strategy.Merge(ctx, sessionPath, inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("%s merge of agent sessions: %w", strategy.Name(), err)
	}
	if res.HasConflicts() {
		return results, res.Conflicts, nil
	}
	if err := merge.Apply(sessionPath, res.Changes); err != nil {
		return nil, nil, fmt.Errorf("fold agent changes into branch session: %w", err)
	}
	return results, nil, nil
}

// Complete records a branch's execution result and routes it onward: failed
// assignments fail the whole branch and roll the session back, successful
// ones enter the merge flow. With auto-merge the merge runs immediately;
// otherwise a merge request is queued and the branch parks in
// MergePendingApproval until someone decides.
func (m *Manager) Complete(ctx context.Context, id string, result *models.BranchResult) (*models.Branch, error) {
	if result == nil {
		return nil, fmt.Errorf("branch %s: completing without a result", id)
	}

	if !models.Succeeded(result.Agents) {
		b, err := m.transition(ctx, id, models.BranchFailed, func(b *models.Branch) { b.Result = result })
		if err != nil {
			return nil, err
		}
		m.rollbackSession(ctx, b.SessionID)
		return b, nil
	}

	b, err := m.transition(ctx, id, models.BranchMerging, func(b *models.Branch) { b.Result = result })
	if err != nil {
		return nil, err
	}

	if b.Config.AutoMerge || m.settings.AutoMerge {
		if _, err := m.queue.Request(ctx, id, b.Config.MergeStrategy, false); err != nil {
			return nil, err
		}
		return m.performMerge(ctx, id)
	}

	if _, err := m.queue.Request(ctx, id, b.Config.MergeStrategy, m.settings.RequireMergeApproval); err != nil {
		return nil, err
	}
	if !m.settings.RequireMergeApproval {
		return m.performMerge(ctx, id)
	}
	return m.transition(ctx, id, models.BranchMergePendingApproval, nil)
}

// Abort stops a Branching branch: running assignments are interrupted,
// non-terminal ones marked cancelled, the session rolled back, and the
// branch fails. Terminal assignments keep their status as history.
func (m *Manager) Abort(ctx context.Context, id string) (*models.Branch, error) {
	m.mu.Lock()
	b, ok := m.branches[id]
	if !ok {
		m.mu.Unlock()
		return nil, &braiderrors.BranchNotFoundError{BranchID: id}
	}
	if b.Status != models.BranchBranching {
		from := string(b.Status)
		m.mu.Unlock()
		return nil, fmt.Errorf("branch %s: %w", id, &braiderrors.InvalidTransitionError{From: from, To: string(models.BranchFailed)})
	}
	cancel := m.cancels[id]
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	assignments, err := m.store.ListAssignments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	now := time.Now().UTC()
	for _, a := range assignments {
		if a.Status.Terminal() {
			continue
		}
		a.Status = models.AssignmentCancelled
		a.CompletedAt = &now
		if err := m.store.UpdateAssignment(ctx, a); err != nil {
			return nil, fmt.Errorf("cancel assignment %s: %w", a.ID, err)
		}
	}

	fb, err := m.transition(ctx, id, models.BranchFailed, nil)
	if err != nil {
		// A concurrent Run may have failed the branch first.
		if stored, gerr := m.store.GetBranch(ctx, id); gerr == nil && stored.Status == models.BranchFailed {
			return stored, nil
		}
		return nil, err
	}
	m.rollbackSession(ctx, fb.SessionID)
	return fb, nil
}

// RequestMerge queues a branch for merging. It drives three situations: a
// rejection sent the branch back to Branching, an external caller finished
// the assignments itself, or a conflicted merge parked the branch and a
// retry needs a fresh request, often with a different strategy. A non-empty
// strategy overrides the branch config.
func (m *Manager) RequestMerge(ctx context.Context, id, strategyName string) (*models.MergeRequest, error) {
	if strategyName != "" {
		if _, err := m.registry.Get(strategyName); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	b, ok := m.branches[id]
	if !ok {
		m.mu.Unlock()
		return nil, &braiderrors.BranchNotFoundError{BranchID: id}
	}
	status := b.Status
	switch status {
	case models.BranchBranching, models.BranchMerging, models.BranchMergePendingApproval:
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("branch %s: %w", id, &braiderrors.InvalidTransitionError{From: string(status), To: string(models.BranchMerging)})
	}
	if strategyName != "" && b.Config.MergeStrategy != strategyName {
		prev := b.Config.MergeStrategy
		b.Config.MergeStrategy = strategyName
		if err := m.store.UpdateBranch(ctx, b); err != nil {
			b.Config.MergeStrategy = prev
			m.mu.Unlock()
			return nil, fmt.Errorf("persist branch %s: %w", id, err)
		}
	}
	effective := b.Config.MergeStrategy
	m.mu.Unlock()

	if status == models.BranchBranching {
		assignments, err := m.store.ListAssignments(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load assignments: %w", err)
		}
		for _, a := range assignments {
			if !a.Status.Terminal() {
				return nil, fmt.Errorf("branch %s: assignment %s has not finished", id, a.ID)
			}
		}
		if _, err := m.transition(ctx, id, models.BranchMerging, nil); err != nil {
			return nil, err
		}
	}

	mr, err := m.queue.Request(ctx, id, effective, m.settings.RequireMergeApproval)
	if err != nil {
		return nil, err
	}

	if mr.Status == models.MergeApproved {
		if _, err := m.performMerge(ctx, id); err != nil {
			return nil, err
		}
		return m.queue.Get(ctx, mr.ID)
	}
	if status != models.BranchMergePendingApproval {
		if _, err := m.transition(ctx, id, models.BranchMergePendingApproval, nil); err != nil {
			return nil, err
		}
	}
	return mr, nil
}

// ApproveMerge approves a pending merge request and immediately re-invokes
// the merge for its branch.
func (m *Manager) ApproveMerge(ctx context.Context, requestID, approver string) (*models.Branch, error) {
	mr, err := m.queue.Approve(ctx, requestID, approver)
	if err != nil {
		return nil, err
	}
	return m.performMerge(ctx, mr.BranchID)
}

// RejectMerge rejects a pending merge request, storing the reason, and sends
// the branch back to Branching so the caller may rework or abort it.
func (m *Manager) RejectMerge(ctx context.Context, requestID, approver, reason string) (*models.Branch, error) {
	mr, err := m.queue.Reject(ctx, requestID, approver, reason)
	if err != nil {
		return nil, err
	}
	return m.transition(ctx, mr.BranchID, models.BranchBranching, nil)
}

// performMerge executes the approved merge request of a branch: its stored
// changes run through the configured strategy, and a clean result is staged
// in a scratch session and committed so the base flips over in one rename.
// Conflicts park the branch for review instead of failing it.
func (m *Manager) performMerge(ctx context.Context, id string) (*models.Branch, error) {
	m.mu.RLock()
	b, ok := m.branches[id]
	var snapshot models.Branch
	if ok {
		snapshot = *b
	}
	m.mu.RUnlock()
	if !ok {
		return nil, &braiderrors.BranchNotFoundError{BranchID: id}
	}

	mr, err := m.queue.ActiveForBranch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", id, err)
	}
	if mr.Status != models.MergeApproved {
		return nil, fmt.Errorf("merge request %s: %w", mr.ID, braiderrors.ErrApprovalRequired)
	}

	s, err := m.sessions.Get(snapshot.SessionID)
	if err != nil {
		return m.failMerge(ctx, id, fmt.Errorf("resolve session: %w", err))
	}

	// Changes are read from the live session rather than the result captured
	// at completion, so rework done after a rejection is what actually lands.
	changes, err := m.sessions.Changes(snapshot.SessionID)
	if err != nil {
		return m.failMerge(ctx, id, fmt.Errorf("collect session changes: %w", err))
	}
	baseline, err := m.sessions.Baseline(snapshot.SessionID)
	if err != nil {
		return m.failMerge(ctx, id, fmt.Errorf("resolve session baseline: %w", err))
	}

	strategy, err := m.registry.ForConfig(snapshot.Config)
	if err != nil {
		return m.failMerge(ctx, id, err)
	}
	res, err := strategy.Merge(ctx, s.BasePath, []merge.BranchChanges{{
		BranchID: id,
		Changes:  changes,
		Baseline: baseline,
	}})
	if err != nil {
		return m.failMerge(ctx, id, fmt.Errorf("%s merge: %w", strategy.Name(), err))
	}

	if res.HasConflicts() {
		reason := fmt.Sprintf("%d conflicting paths", len(res.Conflicts))
		return m.parkConflicts(ctx, id, mr.ID, res.Conflicts, reason)
	}

	if err := m.applyMerged(ctx, s.BasePath, res.Changes); err != nil {
		if errors.Is(err, braiderrors.ErrConflict) {
			return m.parkConflicts(ctx, id, mr.ID, nil, "base tree changed during merge")
		}
		return m.failMerge(ctx, id, err)
	}
	res.Applied = true

	done, err := m.transition(ctx, id, models.BranchCompleted, func(b *models.Branch) {
		if b.Result != nil {
			b.Result.FileChanges = changes
			b.Result.Conflicts = nil
		}
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.queue.MarkMerged(ctx, mr.ID); err != nil {
		return nil, fmt.Errorf("mark merge request merged: %w", err)
	}
	m.rollbackSession(ctx, done.SessionID)
	return done, nil
}

// applyMerged stages a merged change set in a scratch session cloned from
// base and commits it. The commit's hash check catches external edits made
// while the merge was computing; such drift surfaces as ErrConflict.
func (m *Manager) applyMerged(ctx context.Context, base string, changes []models.FileChange) error {
	stagingID, err := m.sessions.Begin(ctx, base)
	if err != nil {
		return fmt.Errorf("open staging session: %w", err)
	}
	stagingPath, err := m.sessions.Path(stagingID)
	if err != nil {
		m.rollbackSession(ctx, stagingID)
		return fmt.Errorf("resolve staging session: %w", err)
	}
	if err := merge.Apply(stagingPath, changes); err != nil {
		m.rollbackSession(ctx, stagingID)
		return fmt.Errorf("stage merged changes: %w", err)
	}
	if err := m.sessions.Commit(ctx, stagingID); err != nil {
		m.rollbackSession(ctx, stagingID)
		return fmt.Errorf("commit merged tree: %w", err)
	}
	return nil
}

// parkConflicts records an unresolved merge on the branch result, marks the
// request conflicted, and parks the branch in MergePendingApproval. Parking
// is a normal outcome, not an error.
func (m *Manager) parkConflicts(ctx context.Context, id, requestID string, conflicts []models.Conflict, reason string) (*models.Branch, error) {
	if _, err := m.queue.MarkConflict(ctx, requestID, reason); err != nil {
		return nil, err
	}

	mutate := func(b *models.Branch) {
		if b.Result != nil {
			b.Result.Conflicts = conflicts
		}
	}

	m.mu.Lock()
	b, ok := m.branches[id]
	if ok && b.Status == models.BranchMergePendingApproval {
		// Re-merge after approval conflicted again; stay parked.
		mutate(b)
		err := m.store.UpdateBranch(ctx, b)
		c := *b
		m.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("persist branch %s: %w", id, err)
		}
		return &c, nil
	}
	m.mu.Unlock()
	if !ok {
		return nil, &braiderrors.BranchNotFoundError{BranchID: id}
	}
	return m.transition(ctx, id, models.BranchMergePendingApproval, mutate)
}

// fail marks a branch Failed and rolls its session back, returning the
// original cause.
func (m *Manager) fail(ctx context.Context, id string, cause error) (*models.Branch, error) {
	if b, err := m.transition(ctx, id, models.BranchFailed, nil); err == nil {
		m.rollbackSession(ctx, b.SessionID)
	}
	return nil, fmt.Errorf("branch %s: %w", id, cause)
}

// failMerge maps a merge-phase error to Failed when the branch is actively
// merging. A parked branch stays in MergePendingApproval so the request can
// be retried or rejected.
func (m *Manager) failMerge(ctx context.Context, id string, cause error) (*models.Branch, error) {
	m.mu.RLock()
	b, ok := m.branches[id]
	var status models.BranchStatus
	if ok {
		status = b.Status
	}
	m.mu.RUnlock()

	if ok && status == models.BranchMerging {
		return m.fail(ctx, id, cause)
	}
	return nil, fmt.Errorf("merge branch %s: %w", id, cause)
}

// Reload restores non-terminal branches from their persisted rows, typically
// at startup. Sessions do not survive a restart, so reloaded branches can be
// listed, re-queued, rejected, or aborted, but their working trees are gone.
func (m *Manager) Reload(ctx context.Context) (int, error) {
	rows, err := m.store.ListBranches(ctx, store.BranchListFilter{Active: true})
	if err != nil {
		return 0, fmt.Errorf("list active branches: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, b := range rows {
		if _, ok := m.branches[b.ID]; ok {
			continue
		}
		m.branches[b.ID] = b
		if b.ParentID != "" {
			m.children[b.ParentID] = append(m.children[b.ParentID], b.ID)
		}
		restored++
	}
	return restored, nil
}

func (m *Manager) rollbackSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	_ = m.sessions.Rollback(ctx, sessionID)
}

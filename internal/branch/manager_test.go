package branch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"braid.dev/braid/internal/engine"
	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/sessions"
	"braid.dev/braid/internal/store"
)

// scriptRunner executes scripted edits inside the session tree, keyed by
// task id. Tasks without a script succeed without touching anything.
type scriptRunner struct {
	mu      sync.Mutex
	scripts map[string]func(ctx context.Context, sessionPath string) error
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{scripts: make(map[string]func(context.Context, string) error)}
}

func (r *scriptRunner) script(taskID string, fn func(ctx context.Context, sessionPath string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[taskID] = fn
}

func (r *scriptRunner) Run(ctx context.Context, a *models.AgentAssignment, sessionPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	fn := r.scripts[a.TaskID]
	r.mu.Unlock()
	if fn == nil {
		return "no-op", nil
	}
	if err := fn(ctx, sessionPath); err != nil {
		return "", err
	}
	return "done", nil
}

type testEnv struct {
	mgr      *Manager
	sessions *sessions.Manager
	store    store.Store
	runner   *scriptRunner
	base     string
}

func newTestManager(t *testing.T, settings Settings) *testEnv {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	sm, err := sessions.NewManager(sessions.Options{Dir: filepath.Join(dir, "sessions")})
	require.NoError(t, err)

	runner := newScriptRunner()
	mgr, err := NewManager(Options{
		Store:    s,
		Sessions: sm,
		Engine:   engine.New(runner, engine.Options{Timeout: 30 * time.Second}),
		Settings: settings,
	})
	require.NoError(t, err)

	base := filepath.Join(dir, "base")
	require.NoError(t, os.MkdirAll(base, 0o755))
	writeFile(t, base, "main.txt", "v1\n")

	return &testEnv{mgr: mgr, sessions: sm, store: s, runner: runner, base: base}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(content)
}

func fileExists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil
}

func agentCfg(taskID string) models.BranchConfig {
	return models.BranchConfig{
		Agents: []models.AgentSpec{{AgentID: "agent-1", TaskID: taskID, Task: "apply scripted edits"}},
	}
}

// createReq builds a single-agent request whose task id is derived from the
// branch name, so scripts never collide across branches.
func createReq(name, base string) CreateRequest {
	return CreateRequest{Name: name, Base: base, Config: agentCfg(name + "-task")}
}

func TestCreate(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, createReq("feature-x", env.base))
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.NotEmpty(t, b.SessionID)
	assert.Equal(t, models.BranchAnalyzing, b.Status)
	assert.Equal(t, models.ExecutionSequential, b.Config.ExecutionStrategy)
	assert.Equal(t, "union", b.Config.MergeStrategy)

	assignments, err := env.store.ListAssignments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "agent-1", assignments[0].AgentID)
	assert.Equal(t, "feature-x-task", assignments[0].TaskID)
	assert.Equal(t, models.AssignmentPending, assignments[0].Status)

	// The session is a private clone of the base.
	path, err := env.sessions.Path(b.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "v1\n", readFile(t, path, "main.txt"))

	assert.Equal(t, 1, env.mgr.ActiveCount())

	got, err := env.mgr.GetByName(ctx, "feature-x")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestCreate_DefaultTaskIDs(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, CreateRequest{
		Name: "two-agents",
		Base: env.base,
		Config: models.BranchConfig{
			Agents: []models.AgentSpec{
				{AgentID: "agent-1", Task: "first"},
				{AgentID: "agent-2", Task: "second"},
			},
		},
	})
	require.NoError(t, err)

	assignments, err := env.store.ListAssignments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, "task-1", assignments[0].TaskID)
	assert.Equal(t, "task-2", assignments[1].TaskID)
}

func TestCreate_Validation(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, CreateRequest{Base: env.base, Config: agentCfg("t")})
	assert.ErrorContains(t, err, "name is required")

	_, err = env.mgr.Create(ctx, CreateRequest{Name: "no-agents", Base: env.base})
	assert.ErrorContains(t, err, "agent assignment")

	_, err = env.mgr.Create(ctx, CreateRequest{Name: "no-base", Config: agentCfg("t")})
	assert.ErrorContains(t, err, "base path is required")

	req := createReq("bad-strategy", env.base)
	req.Config.MergeStrategy = "bogus"
	_, err = env.mgr.Create(ctx, req)
	assert.ErrorIs(t, err, braiderrors.ErrUnknownStrategy)
}

func TestCreate_DuplicateName(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, createReq("same-name", env.base))
	require.NoError(t, err)

	_, err = env.mgr.Create(ctx, createReq("same-name", env.base))
	assert.ErrorContains(t, err, "already taken")
	assert.Equal(t, 1, env.mgr.ActiveCount())
}

func TestCreate_CapacityLimit(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxConcurrentBranches = 2
	env := newTestManager(t, settings)
	ctx := context.Background()

	first, err := env.mgr.Create(ctx, createReq("first", env.base))
	require.NoError(t, err)
	_, err = env.mgr.Create(ctx, createReq("second", env.base))
	require.NoError(t, err)

	_, err = env.mgr.Create(ctx, createReq("third", env.base))
	assert.ErrorIs(t, err, braiderrors.ErrCapacityExceeded)

	var capErr *braiderrors.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.Current)
	assert.Equal(t, 2, capErr.Limit)

	// A branch reaching a terminal state frees its slot.
	env.runner.script("first-task", func(_ context.Context, _ string) error {
		return fmt.Errorf("give up")
	})
	failed, err := env.mgr.Run(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, models.BranchFailed, failed.Status)

	third, err := env.mgr.Create(ctx, createReq("third", env.base))
	require.NoError(t, err)
	assert.Equal(t, models.BranchAnalyzing, third.Status)
}

func TestCreate_NestedClonesParentSession(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	root, err := env.mgr.Create(ctx, createReq("root", env.base))
	require.NoError(t, err)

	// Uncommitted parent work must be visible to the child.
	rootPath, err := env.sessions.Path(root.SessionID)
	require.NoError(t, err)
	writeFile(t, rootPath, "draft.txt", "in progress\n")

	child, err := env.mgr.Create(ctx, CreateRequest{Name: "child", ParentID: root.ID, Config: agentCfg("child-task")})
	require.NoError(t, err)
	assert.Equal(t, root.ID, child.ParentID)

	childPath, err := env.sessions.Path(child.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "v1\n", readFile(t, childPath, "main.txt"))
	assert.Equal(t, "in progress\n", readFile(t, childPath, "draft.txt"))

	assert.Equal(t, []string{child.ID}, env.mgr.Children(root.ID))
}

func TestCreate_NestingDepthLimit(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	root, err := env.mgr.Create(ctx, createReq("root", env.base))
	require.NoError(t, err)
	c1, err := env.mgr.Create(ctx, CreateRequest{Name: "c1", ParentID: root.ID, Config: agentCfg("c1-task")})
	require.NoError(t, err)
	c2, err := env.mgr.Create(ctx, CreateRequest{Name: "c2", ParentID: c1.ID, Config: agentCfg("c2-task")})
	require.NoError(t, err)

	_, err = env.mgr.Create(ctx, CreateRequest{Name: "c3", ParentID: c2.ID, Config: agentCfg("c3-task")})
	assert.ErrorIs(t, err, braiderrors.ErrNestingTooDeep)

	var deep *braiderrors.NestingTooDeepError
	require.ErrorAs(t, err, &deep)
	assert.Equal(t, 4, deep.Depth)
	assert.Equal(t, 3, deep.Limit)
}

func TestCreate_NestedDisabled(t *testing.T) {
	settings := DefaultSettings()
	settings.AllowNested = false
	env := newTestManager(t, settings)
	ctx := context.Background()

	root, err := env.mgr.Create(ctx, createReq("root", env.base))
	require.NoError(t, err)

	_, err = env.mgr.Create(ctx, CreateRequest{Name: "child", ParentID: root.ID, Config: agentCfg("t")})
	assert.ErrorContains(t, err, "nested branches are disabled")
}

func TestCreate_UnknownParent(t *testing.T) {
	env := newTestManager(t, DefaultSettings())

	_, err := env.mgr.Create(context.Background(), CreateRequest{
		Name: "orphan", ParentID: "no-such-branch", Config: agentCfg("t"),
	})
	assert.ErrorIs(t, err, braiderrors.ErrBranchNotFound)
}

// Two branches over the same base, one editing main.txt and one adding
// other.txt, land independently under auto-merge and the base ends up with
// both changes.
func TestRun_AutoMergeUnion(t *testing.T) {
	settings := DefaultSettings()
	settings.AutoMerge = true
	env := newTestManager(t, settings)
	ctx := context.Background()

	a, err := env.mgr.Create(ctx, createReq("edit-main", env.base))
	require.NoError(t, err)
	b, err := env.mgr.Create(ctx, createReq("add-other", env.base))
	require.NoError(t, err)

	env.runner.script("edit-main-task", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "main.txt"), []byte("v1-A\n"), 0o644)
	})
	env.runner.script("add-other-task", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "other.txt"), []byte("new\n"), 0o644)
	})

	doneA, err := env.mgr.Run(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchCompleted, doneA.Status)
	assert.Equal(t, "v1-A\n", readFile(t, env.base, "main.txt"))

	doneB, err := env.mgr.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchCompleted, doneB.Status)

	assert.Equal(t, "v1-A\n", readFile(t, env.base, "main.txt"))
	assert.Equal(t, "new\n", readFile(t, env.base, "other.txt"))

	require.NotNil(t, doneB.Result)
	require.Len(t, doneB.Result.FileChanges, 1)
	assert.Equal(t, "other.txt", doneB.Result.FileChanges[0].Path)
	assert.Equal(t, models.ChangeAdded, doneB.Result.FileChanges[0].Kind)

	merged, err := env.store.ListMergeRequests(ctx, models.MergeMerged, 0)
	require.NoError(t, err)
	assert.Len(t, merged, 2)

	assert.Equal(t, 0, env.mgr.ActiveCount())
	assert.Equal(t, 0, env.sessions.ActiveCount())
}

func TestRun_ApprovalFlow(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, createReq("gated", env.base))
	require.NoError(t, err)
	env.runner.script("gated-task", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "feature.txt"), []byte("done\n"), 0o644)
	})

	parked, err := env.mgr.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchMergePendingApproval, parked.Status)
	assert.False(t, fileExists(env.base, "feature.txt"))

	mr, err := env.mgr.Queue().ActiveForBranch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MergePending, mr.Status)
	assert.True(t, mr.RequiresApproval)

	done, err := env.mgr.ApproveMerge(ctx, mr.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.BranchCompleted, done.Status)
	assert.Equal(t, "done\n", readFile(t, env.base, "feature.txt"))

	final, err := env.mgr.Queue().Get(ctx, mr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeMerged, final.Status)
	assert.Equal(t, "alice", final.ApprovedBy)

	assert.Equal(t, 0, env.sessions.ActiveCount())
}

// A rejected merge sends the branch back to Branching with its session
// intact; rework done in the session is what lands after the next request
// is approved.
func TestRun_RejectionAndRework(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, createReq("redo", env.base))
	require.NoError(t, err)
	env.runner.script("redo-task", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "feature.txt"), []byte("draft\n"), 0o644)
	})

	parked, err := env.mgr.Run(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.BranchMergePendingApproval, parked.Status)

	mr, err := env.mgr.Queue().ActiveForBranch(ctx, b.ID)
	require.NoError(t, err)

	back, err := env.mgr.RejectMerge(ctx, mr.ID, "bob", "needs a second pass")
	require.NoError(t, err)
	assert.Equal(t, models.BranchBranching, back.Status)

	rejected, err := env.mgr.Queue().Get(ctx, mr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeRejected, rejected.Status)
	assert.Equal(t, "needs a second pass", rejected.Reason)

	// Rework in the still-live session.
	path, err := env.sessions.Path(b.SessionID)
	require.NoError(t, err)
	writeFile(t, path, "feature.txt", "final\n")

	mr2, err := env.mgr.RequestMerge(ctx, b.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, mr.ID, mr2.ID)
	assert.Equal(t, models.MergePending, mr2.Status)

	cur, err := env.mgr.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchMergePendingApproval, cur.Status)

	done, err := env.mgr.ApproveMerge(ctx, mr2.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.BranchCompleted, done.Status)
	assert.Equal(t, "final\n", readFile(t, env.base, "feature.txt"))
}

func TestRun_FailedAssignmentFailsBranch(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, createReq("doomed", env.base))
	require.NoError(t, err)
	env.runner.script("doomed-task", func(_ context.Context, _ string) error {
		return fmt.Errorf("tool crashed")
	})

	failed, err := env.mgr.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchFailed, failed.Status)
	assert.NotNil(t, failed.CompletedAt)

	require.NotNil(t, failed.Result)
	require.Len(t, failed.Result.Agents, 1)
	assert.Equal(t, models.AssignmentFailed, failed.Result.Agents[0].Status)
	assert.Contains(t, failed.Result.Agents[0].Error, "tool crashed")

	// The session is discarded and nothing was queued for merging.
	assert.Equal(t, 0, env.sessions.ActiveCount())
	_, err = env.mgr.Queue().ActiveForBranch(ctx, b.ID)
	assert.ErrorIs(t, err, braiderrors.ErrMergeRequestNotFound)
	assert.Equal(t, 0, env.mgr.ActiveCount())
}

// An edit to the base made after the branch was cloned conflicts with the
// branch's own edit to the same file. The merge parks for review, and
// re-requesting with theirs forces the branch version through.
func TestRun_BaseDriftParksThenTheirsForces(t *testing.T) {
	settings := DefaultSettings()
	settings.AutoMerge = true
	settings.RequireMergeApproval = false
	env := newTestManager(t, settings)
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, createReq("drifted", env.base))
	require.NoError(t, err)
	env.runner.script("drifted-task", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "main.txt"), []byte("branch edit\n"), 0o644)
	})

	// The base moves on while the branch works.
	writeFile(t, env.base, "main.txt", "external edit\n")

	parked, err := env.mgr.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchMergePendingApproval, parked.Status)

	require.NotNil(t, parked.Result)
	require.Len(t, parked.Result.Conflicts, 1)
	c := parked.Result.Conflicts[0]
	assert.Equal(t, "main.txt", c.Path)
	assert.Equal(t, models.ConflictBothModified, c.Kind)
	assert.Equal(t, []byte("external edit\n"), c.Base)

	// Base untouched, session kept for resolution.
	assert.Equal(t, "external edit\n", readFile(t, env.base, "main.txt"))
	assert.Equal(t, 1, env.sessions.ActiveCount())

	conflicted, err := env.store.ListMergeRequests(ctx, models.MergeConflict, 0)
	require.NoError(t, err)
	require.Len(t, conflicted, 1)
	assert.Contains(t, conflicted[0].Reason, "conflicting")

	mr, err := env.mgr.RequestMerge(ctx, b.ID, "theirs")
	require.NoError(t, err)
	assert.Equal(t, models.MergeMerged, mr.Status)

	done, err := env.mgr.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchCompleted, done.Status)
	assert.Equal(t, "branch edit\n", readFile(t, env.base, "main.txt"))
	assert.Equal(t, 0, env.sessions.ActiveCount())
}

// A child branch merges into its parent's session, and the parent's own
// merge then carries both change sets into the base.
func TestRun_NestedMergeComposes(t *testing.T) {
	settings := DefaultSettings()
	settings.AutoMerge = true
	env := newTestManager(t, settings)
	ctx := context.Background()

	root, err := env.mgr.Create(ctx, createReq("outer", env.base))
	require.NoError(t, err)
	child, err := env.mgr.Create(ctx, CreateRequest{Name: "inner", ParentID: root.ID, Config: agentCfg("inner-task")})
	require.NoError(t, err)

	env.runner.script("inner-task", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "inner.txt"), []byte("from child\n"), 0o644)
	})
	env.runner.script("outer-task", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "outer.txt"), []byte("from parent\n"), 0o644)
	})

	doneChild, err := env.mgr.Run(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchCompleted, doneChild.Status)

	// The child's work landed in the parent session, not the base.
	rootPath, err := env.sessions.Path(root.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "from child\n", readFile(t, rootPath, "inner.txt"))
	assert.False(t, fileExists(env.base, "inner.txt"))

	doneRoot, err := env.mgr.Run(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchCompleted, doneRoot.Status)

	assert.Equal(t, "from child\n", readFile(t, env.base, "inner.txt"))
	assert.Equal(t, "from parent\n", readFile(t, env.base, "outer.txt"))
	assert.Equal(t, "v1\n", readFile(t, env.base, "main.txt"))
}

// With per-agent sessions each assignment works in its own clone of the
// branch session; their change sets fold back into the branch session and
// merge onward as one.
func TestRun_PerAgentSessionsFoldTogether(t *testing.T) {
	settings := DefaultSettings()
	settings.AutoMerge = true
	env := newTestManager(t, settings)
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, CreateRequest{
		Name: "split-work",
		Base: env.base,
		Config: models.BranchConfig{
			PerAgentSessions: true,
			Agents: []models.AgentSpec{
				{AgentID: "agent-a", TaskID: "pa-first", Task: "write a"},
				{AgentID: "agent-b", TaskID: "pa-second", Task: "write b"},
			},
		},
	})
	require.NoError(t, err)

	var treeA, treeB string
	env.runner.script("pa-first", func(_ context.Context, sessionPath string) error {
		treeA = sessionPath
		return os.WriteFile(filepath.Join(sessionPath, "a.txt"), []byte("from a\n"), 0o644)
	})
	env.runner.script("pa-second", func(_ context.Context, sessionPath string) error {
		treeB = sessionPath
		return os.WriteFile(filepath.Join(sessionPath, "b.txt"), []byte("from b\n"), 0o644)
	})

	done, err := env.mgr.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchCompleted, done.Status)

	// The agents never shared a tree.
	assert.NotEmpty(t, treeA)
	assert.NotEmpty(t, treeB)
	assert.NotEqual(t, treeA, treeB)

	assert.Equal(t, "from a\n", readFile(t, env.base, "a.txt"))
	assert.Equal(t, "from b\n", readFile(t, env.base, "b.txt"))
	assert.Equal(t, "v1\n", readFile(t, env.base, "main.txt"))

	require.NotNil(t, done.Result)
	assert.Len(t, done.Result.FileChanges, 2)

	// Agent sessions and the branch session are all gone.
	assert.Equal(t, 0, env.sessions.ActiveCount())
}

// Agents editing the same file in their own sessions cannot fold together;
// the branch fails with the divergence recorded.
func TestRun_PerAgentSessionsDivergeFailsBranch(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, CreateRequest{
		Name: "tug-of-war",
		Base: env.base,
		Config: models.BranchConfig{
			PerAgentSessions: true,
			Agents: []models.AgentSpec{
				{AgentID: "agent-a", TaskID: "tw-first", Task: "edit main"},
				{AgentID: "agent-b", TaskID: "tw-second", Task: "edit main"},
			},
		},
	})
	require.NoError(t, err)

	env.runner.script("tw-first", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "main.txt"), []byte("agent a version\n"), 0o644)
	})
	env.runner.script("tw-second", func(_ context.Context, sessionPath string) error {
		return os.WriteFile(filepath.Join(sessionPath, "main.txt"), []byte("agent b version\n"), 0o644)
	})

	failed, err := env.mgr.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchFailed, failed.Status)

	require.NotNil(t, failed.Result)
	require.Len(t, failed.Result.Conflicts, 1)
	assert.Equal(t, "main.txt", failed.Result.Conflicts[0].Path)
	require.Len(t, failed.Result.Agents, 2)
	assert.Equal(t, models.AssignmentCompleted, failed.Result.Agents[0].Status)

	// Nothing reached the base, and no session tree leaked.
	assert.Equal(t, "v1\n", readFile(t, env.base, "main.txt"))
	assert.Equal(t, 0, env.sessions.ActiveCount())
}

func TestRequestMerge_UnfinishedAssignments(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, createReq("early", env.base))
	require.NoError(t, err)
	_, err = env.mgr.MarkExecuting(ctx, b.ID)
	require.NoError(t, err)

	_, err = env.mgr.RequestMerge(ctx, b.ID, "")
	assert.ErrorContains(t, err, "has not finished")
}

func TestAbort(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, createReq("halt", env.base))
	require.NoError(t, err)

	started := make(chan struct{})
	env.runner.script("halt-task", func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	type runOutcome struct {
		branch *models.Branch
		err    error
	}
	out := make(chan runOutcome, 1)
	go func() {
		rb, err := env.mgr.Run(context.Background(), b.ID)
		out <- runOutcome{rb, err}
	}()

	<-started
	aborted, err := env.mgr.Abort(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BranchFailed, aborted.Status)

	res := <-out
	require.NoError(t, res.err)
	assert.Equal(t, models.BranchFailed, res.branch.Status)

	assignments, err := env.store.ListAssignments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, models.AssignmentCancelled, assignments[0].Status)

	assert.Equal(t, 0, env.sessions.ActiveCount())
	assert.Equal(t, 0, env.mgr.ActiveCount())
}

func TestAbort_OnlyWhileBranching(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	b, err := env.mgr.Create(ctx, createReq("fresh", env.base))
	require.NoError(t, err)

	_, err = env.mgr.Abort(ctx, b.ID)
	assert.ErrorIs(t, err, braiderrors.ErrInvalidTransition)

	_, err = env.mgr.Abort(ctx, "no-such-branch")
	assert.ErrorIs(t, err, braiderrors.ErrBranchNotFound)
}

func TestReload(t *testing.T) {
	env := newTestManager(t, DefaultSettings())
	ctx := context.Background()

	root, err := env.mgr.Create(ctx, createReq("root", env.base))
	require.NoError(t, err)
	child, err := env.mgr.Create(ctx, CreateRequest{Name: "child", ParentID: root.ID, Config: agentCfg("t")})
	require.NoError(t, err)

	// A fresh manager over the same store starts empty and restores the
	// live forest from persisted rows.
	fresh, err := NewManager(Options{Store: env.store, Sessions: env.sessions, Settings: DefaultSettings()})
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.ActiveCount())

	restored, err := fresh.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	assert.Equal(t, 2, fresh.ActiveCount())
	assert.Equal(t, []string{child.ID}, fresh.Children(root.ID))

	again, err := fresh.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

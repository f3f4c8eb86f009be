package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"braid.dev/braid/internal/branch"
	"braid.dev/braid/internal/engine"
	"braid.dev/braid/internal/events"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/sessions"
	"braid.dev/braid/internal/store"
)

// taskRunner writes <task_id>.txt with the task text, or fails when the task
// is literally "fail".
type taskRunner struct{}

func (taskRunner) Run(ctx context.Context, a *models.AgentAssignment, sessionPath string) (string, error) {
	if a.Task == "fail" {
		return "", fmt.Errorf("task failed")
	}
	name := a.TaskID + ".txt"
	if err := os.WriteFile(filepath.Join(sessionPath, name), []byte(a.Task+"\n"), 0o644); err != nil {
		return "", err
	}
	return "wrote " + name, nil
}

type testEnv struct {
	router http.Handler
	mgr    *branch.Manager
	bus    *events.Bus
	base   string
}

func setupTestServer(t *testing.T, settings branch.Settings) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	sm, err := sessions.NewManager(sessions.Options{Dir: filepath.Join(dir, "sessions"), Bus: bus})
	require.NoError(t, err)

	mgr, err := branch.NewManager(branch.Options{
		Store:    st,
		Sessions: sm,
		Engine:   engine.New(taskRunner{}, engine.Options{Timeout: 30 * time.Second}),
		Bus:      bus,
		Settings: settings,
	})
	require.NoError(t, err)

	base := filepath.Join(dir, "base")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "main.txt"), []byte("v1\n"), 0o644))

	srv := NewServer(mgr, sm, st, bus)
	return &testEnv{router: srv.Router(), mgr: mgr, bus: bus, base: base}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createBranch(t *testing.T, name, task string) models.Branch {
	t.Helper()
	body := fmt.Sprintf(`{"name":%q,"base":%q,"agents":[{"agent_id":"agent-1","task_id":"%s-task","task":%q}]}`,
		name, e.base, name, task)
	w := e.do(t, "POST", "/api/v1/branches", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var b models.Branch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return b
}

func (e *testEnv) waitForStatus(t *testing.T, id string, want models.BranchStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		req := httptest.NewRequest("GET", "/api/v1/branches/"+id, nil)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		var b struct{ Status models.BranchStatus }
		if json.Unmarshal(w.Body.Bytes(), &b) != nil {
			return false
		}
		return b.Status == want
	}, 5*time.Second, 20*time.Millisecond, "branch %s never reached %s", id, want)
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	w := env.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestBranchCreateAndGet_API(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	b := env.createBranch(t, "feature-x", "write the feature")
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, models.BranchAnalyzing, b.Status)

	w := env.do(t, "GET", "/api/v1/branches/"+b.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var detail struct {
		ID          string
		Name        string
		Assignments []*models.AgentAssignment
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, b.ID, detail.ID)
	assert.Equal(t, "feature-x", detail.Name)
	require.Len(t, detail.Assignments, 1)
	assert.Equal(t, "feature-x-task", detail.Assignments[0].TaskID)

	// List
	w = env.do(t, "GET", "/api/v1/branches?active=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var branches []*models.Branch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &branches))
	assert.Len(t, branches, 1)
}

func TestBranchCreate_Validation(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	w := env.do(t, "POST", "/api/v1/branches", `{"base":"/tmp/x","agents":[{"agent_id":"a","task":"t"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name is required")

	w = env.do(t, "POST", "/api/v1/branches", `{"name":"x","base":"/tmp/x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "agents is required")

	w = env.do(t, "POST", "/api/v1/branches", `{"name":"x","agents":[{"agent_id":"a","task":"t"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "base or parent_id")

	body := fmt.Sprintf(`{"name":"x","base":%q,"agents":[{"agent_id":"a","task":"t"}],"merge_strategy":"bogus"}`, env.base)
	w = env.do(t, "POST", "/api/v1/branches", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBranchCreate_DuplicateName(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	env.createBranch(t, "same", "task one")
	body := fmt.Sprintf(`{"name":"same","base":%q,"agents":[{"agent_id":"a","task":"t"}]}`, env.base)
	w := env.do(t, "POST", "/api/v1/branches", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBranchCreate_CapacityLimit(t *testing.T) {
	settings := branch.DefaultSettings()
	settings.MaxConcurrentBranches = 1
	env := setupTestServer(t, settings)

	env.createBranch(t, "first", "task")
	body := fmt.Sprintf(`{"name":"second","base":%q,"agents":[{"agent_id":"a","task":"t"}]}`, env.base)
	w := env.do(t, "POST", "/api/v1/branches", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestBranchNotFound(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	w := env.do(t, "GET", "/api/v1/branches/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunApproveFlow_API(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	b := env.createBranch(t, "gated", "build it")

	w := env.do(t, "POST", "/api/v1/branches/"+b.ID+"/run", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	env.waitForStatus(t, b.ID, models.BranchMergePendingApproval)

	// The pending request is visible on the queue.
	w = env.do(t, "GET", "/api/v1/merges?status=pending", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var merges []*models.MergeRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &merges))
	require.Len(t, merges, 1)
	assert.Equal(t, b.ID, merges[0].BranchID)

	// Approve without a body is rejected.
	w = env.do(t, "POST", "/api/v1/merges/"+merges[0].ID+"/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v1/merges/"+merges[0].ID+"/approve", `{"approved_by":"alice"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var done struct{ Status models.BranchStatus }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &done))
	assert.Equal(t, models.BranchCompleted, done.Status)

	content, err := os.ReadFile(filepath.Join(env.base, "gated-task.txt"))
	require.NoError(t, err)
	assert.Equal(t, "build it\n", string(content))
}

func TestRejectFlow_API(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	b := env.createBranch(t, "redo", "first try")
	env.do(t, "POST", "/api/v1/branches/"+b.ID+"/run", "")
	env.waitForStatus(t, b.ID, models.BranchMergePendingApproval)

	w := env.do(t, "GET", "/api/v1/merges?status=pending", "")
	var merges []*models.MergeRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &merges))
	require.Len(t, merges, 1)

	w = env.do(t, "POST", "/api/v1/merges/"+merges[0].ID+"/reject", `{"rejected_by":"bob","reason":"needs tests"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var back struct{ Status models.BranchStatus }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &back))
	assert.Equal(t, models.BranchBranching, back.Status)

	// Nothing landed in the base.
	_, err := os.Stat(filepath.Join(env.base, "redo-task.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestAbort_WrongState(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	b := env.createBranch(t, "fresh", "task")
	w := env.do(t, "POST", "/api/v1/branches/"+b.ID+"/abort", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBranchChanges_API(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	b := env.createBranch(t, "inspect", "look around")
	env.do(t, "POST", "/api/v1/branches/"+b.ID+"/run", "")
	env.waitForStatus(t, b.ID, models.BranchMergePendingApproval)

	w := env.do(t, "GET", "/api/v1/branches/"+b.ID+"/changes", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		BranchID string              `json:"branch_id"`
		Changes  []models.FileChange `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, b.ID, resp.BranchID)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "inspect-task.txt", resp.Changes[0].Path)
	assert.Equal(t, models.ChangeAdded, resp.Changes[0].Kind)
}

func TestStrategies_API(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())

	w := env.do(t, "GET", "/api/v1/strategies", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var strategies map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &strategies))
	assert.Contains(t, strategies, "union")
	assert.Contains(t, strategies, "three_way")
	assert.Contains(t, strategies, "ours")
	assert.Contains(t, strategies, "theirs")
}

func TestStatusAndHealth_API(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())
	env.createBranch(t, "one", "task")

	w := env.do(t, "GET", "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var status struct {
		ActiveBranches  int            `json:"active_branches"`
		BranchLimit     int            `json:"branch_limit"`
		BranchesByState map[string]int `json:"branches_by_state"`
		Health          int            `json:"health"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.ActiveBranches)
	assert.Equal(t, 8, status.BranchLimit)
	assert.Equal(t, 1, status.BranchesByState["analyzing_for_branch"])
	assert.Greater(t, status.Health, 0)

	w = env.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var h struct{ Total int }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.LessOrEqual(t, h.Total, 100)
	assert.Greater(t, h.Total, 0)
}

func TestSessionsAndCleanup_API(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())
	b := env.createBranch(t, "with-session", "task")

	w := env.do(t, "GET", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var list []*models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, b.SessionID, list[0].ID)

	w = env.do(t, "DELETE", "/api/v1/sessions/cleanup", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cleaned":0`)
}

func TestEventStream_API(t *testing.T) {
	env := setupTestServer(t, branch.DefaultSettings())
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription exists once headers arrive; anything published now
	// must show up on the stream.
	_, err = env.mgr.Create(context.Background(), branch.CreateRequest{
		Name: "streamed",
		Base: env.base,
		Config: models.BranchConfig{
			Agents: []models.AgentSpec{{AgentID: "agent-1", Task: "t"}},
		},
	})
	require.NoError(t, err)

	found := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "branch.created") {
			found = true
			break
		}
	}
	assert.True(t, found, "stream should carry the branch.created event")
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"braid.dev/braid/internal/branch"
	"braid.dev/braid/internal/health"
	"braid.dev/braid/internal/llm"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/sessions"
	"braid.dev/braid/internal/store"
)

// Server wraps the branching subsystem and exposes it as MCP tools, so an
// orchestrating agent can open branches, drive merges, and inspect state
// over stdio.
type Server struct {
	manager  *branch.Manager
	sessions *sessions.Manager
	store    store.Store
	llm      *llm.Client
	scorer   *health.Scorer
}

// NewServer creates the MCP server wrapper. The LLM client may be nil; the
// plan tool reports an error result when it is.
func NewServer(mgr *branch.Manager, sm *sessions.Manager, st store.Store, lc *llm.Client) *Server {
	return &Server{
		manager:  mgr,
		sessions: sm,
		store:    st,
		llm:      lc,
		scorer:   health.NewScorer(),
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("braid", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.createBranchTool())
	srv.AddTool(s.listBranchesTool())
	srv.AddTool(s.branchStatusTool())
	srv.AddTool(s.runBranchTool())
	srv.AddTool(s.abortBranchTool())
	srv.AddTool(s.branchChangesTool())
	srv.AddTool(s.requestMergeTool())
	srv.AddTool(s.approveMergeTool())
	srv.AddTool(s.rejectMergeTool())
	srv.AddTool(s.listMergesTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.cleanupSessionsTool())
	srv.AddTool(s.subsystemStatusTool())
	srv.AddTool(s.suggestPlanTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// braid_create_branch
func (s *Server) createBranchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_create_branch",
		mcp.WithDescription("Create a branch: an isolated copy of the base tree plus one or more agent assignments to run in it. Provide either a single task string or an agents JSON array. Returns the created branch as JSON."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch name, unique among live branches")),
		mcp.WithString("task", mcp.Description("Task for a single-agent branch (shorthand for agents with one entry)")),
		mcp.WithString("agents", mcp.Description(`JSON array of assignments, e.g. [{"agent_id":"agent-1","task_id":"fix-auth","task":"fix the login handler"}]`)),
		mcp.WithString("base", mcp.Description("Base directory to branch from (omit when parent_id is set)")),
		mcp.WithString("parent_id", mcp.Description("Parent branch ID; the branch clones the parent's session instead of the base tree")),
		mcp.WithString("strategy", mcp.Description("Execution strategy: parallel (default) or sequential")),
		mcp.WithString("merge_strategy", mcp.Description("Merge strategy name; see braid_status for the default")),
		mcp.WithBoolean("auto_merge", mcp.Description("Merge without waiting for approval when the run succeeds")),
	)
	return tool, s.handleCreateBranch
}

func (s *Server) handleCreateBranch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: name"), nil
	}

	var agents []models.AgentSpec
	if raw := request.GetString("agents", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &agents); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid agents JSON: %v", err)), nil
		}
	} else if task := request.GetString("task", ""); task != "" {
		agents = []models.AgentSpec{{AgentID: "agent-1", Task: task}}
	}
	if len(agents) == 0 {
		return mcp.NewToolResultError("specify task or agents to give the branch work"), nil
	}

	req := branch.CreateRequest{
		Name:     name,
		Base:     request.GetString("base", ""),
		ParentID: request.GetString("parent_id", ""),
		Config: models.BranchConfig{
			Agents:            agents,
			ExecutionStrategy: models.ExecutionStrategy(request.GetString("strategy", "")),
			MergeStrategy:     request.GetString("merge_strategy", ""),
			AutoMerge:         request.GetBool("auto_merge", false),
		},
	}

	b, err := s.manager.Create(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create branch: %v", err)), nil
	}

	data, err := json.Marshal(branchOut(b))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal branch: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// braid_list_branches
func (s *Server) listBranchesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_list_branches",
		mcp.WithDescription("List branches. Returns a JSON array with id, name, status (analyzing_for_branch/branching/merging/merge_pending_approval/completed/failed), parent_id, session_id, and timestamps."),
		mcp.WithString("status", mcp.Description("Filter by branch status")),
		mcp.WithBoolean("active", mcp.Description("Only branches in a non-terminal status")),
	)
	return tool, s.handleListBranches
}

func (s *Server) handleListBranches(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.BranchListFilter{
		Status: models.BranchStatus(request.GetString("status", "")),
		Active: request.GetBool("active", false),
	}

	branches, err := s.manager.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list branches: %v", err)), nil
	}

	out := make([]map[string]any, len(branches))
	for i, b := range branches {
		out[i] = branchOut(b)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal branches: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// braid_branch_status
func (s *Server) branchStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_branch_status",
		mcp.WithDescription("Get detailed branch status including its agent assignments, live children, and result summary. Resolves the branch by name or ID."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch name or ID")),
	)
	return tool, s.handleBranchStatus
}

func (s *Server) handleBranchStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}

	b, err := s.resolveBranch(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("branch not found: %s", ref)), nil
	}

	assignments, _ := s.store.ListAssignments(ctx, b.ID)
	assignOut := make([]map[string]any, len(assignments))
	for i, a := range assignments {
		entry := map[string]any{
			"id":       a.ID,
			"agent_id": a.AgentID,
			"task_id":  a.TaskID,
			"task":     a.Task,
			"status":   string(a.Status),
		}
		if a.Error != "" {
			entry["error"] = a.Error
		}
		assignOut[i] = entry
	}

	result := map[string]any{
		"branch": branchOut(b),
		"config": map[string]any{
			"execution_strategy": string(b.Config.ExecutionStrategy),
			"merge_strategy":     b.Config.MergeStrategy,
			"auto_merge":         b.Config.AutoMerge,
		},
		"assignments": assignOut,
		"children":    s.manager.Children(b.ID),
	}
	if b.Result != nil {
		result["result"] = map[string]any{
			"file_changes": len(b.Result.FileChanges),
			"conflicts":    len(b.Result.Conflicts),
			"started_at":   b.Result.StartedAt.Format(time.RFC3339),
			"finished_at":  b.Result.FinishedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// braid_run_branch
func (s *Server) runBranchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_run_branch",
		mcp.WithDescription("Start executing a branch's agent assignments in its session. The run proceeds in the background; poll braid_branch_status for the outcome. A successful run queues a merge, which either lands immediately (auto merge) or parks at merge_pending_approval."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch name or ID")),
	)
	return tool, s.handleRunBranch
}

func (s *Server) handleRunBranch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}

	b, err := s.resolveBranch(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("branch not found: %s", ref)), nil
	}
	if b.Status != models.BranchAnalyzing {
		return mcp.NewToolResultError(fmt.Sprintf("branch %s is %s; only analyzing_for_branch branches can be run", b.Name, b.Status)), nil
	}

	// The run outlives this call; failures surface on the branch record.
	go func() {
		if _, err := s.manager.Run(context.Background(), b.ID); err != nil {
			slog.Warn("branch run failed", "branch", b.ID, "error", err)
		}
	}()

	result := map[string]any{
		"branch_id": b.ID,
		"name":      b.Name,
		"status":    string(models.BranchBranching),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// braid_abort_branch
func (s *Server) abortBranchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_abort_branch",
		mcp.WithDescription("Abort a running branch. Cancels in-flight assignments, discards the session, and marks the branch failed. Only branches in the branching status can be aborted."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch name or ID")),
	)
	return tool, s.handleAbortBranch
}

func (s *Server) handleAbortBranch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}

	b, err := s.resolveBranch(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("branch not found: %s", ref)), nil
	}

	aborted, err := s.manager.Abort(ctx, b.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to abort branch: %v", err)), nil
	}

	result := map[string]any{
		"branch_id": aborted.ID,
		"name":      aborted.Name,
		"status":    string(aborted.Status),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// braid_branch_changes
func (s *Server) branchChangesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_branch_changes",
		mcp.WithDescription("List the file changes a branch's session has accumulated against its clone baseline. Returns a JSON array of {path, kind, size} where kind is added, modified, or deleted."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch name or ID")),
	)
	return tool, s.handleBranchChanges
}

func (s *Server) handleBranchChanges(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}

	b, err := s.resolveBranch(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("branch not found: %s", ref)), nil
	}

	changes, err := s.sessions.Changes(b.SessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute changes: %v", err)), nil
	}

	type changeOut struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
		Size int    `json:"size"`
	}
	out := make([]changeOut, len(changes))
	for i, c := range changes {
		out[i] = changeOut{Path: c.Path, Kind: string(c.Kind), Size: len(c.Content)}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal changes: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// braid_request_merge
func (s *Server) requestMergeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_request_merge",
		mcp.WithDescription("Queue a branch for merging into its parent tree. The branch must have finished its assignments. Use strategy to override the branch's configured merge strategy, e.g. to force ours/theirs after a conflict."),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch name or ID")),
		mcp.WithString("strategy", mcp.Description("Merge strategy override for this request")),
	)
	return tool, s.handleRequestMerge
}

func (s *Server) handleRequestMerge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}

	b, err := s.resolveBranch(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("branch not found: %s", ref)), nil
	}

	req, err := s.manager.RequestMerge(ctx, b.ID, request.GetString("strategy", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to request merge: %v", err)), nil
	}

	data, err := json.Marshal(mergeOut(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal merge request: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// braid_approve_merge
func (s *Server) approveMergeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_approve_merge",
		mcp.WithDescription("Approve a pending merge request and execute the merge. Returns the branch with its post-merge status."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Merge request ID")),
		mcp.WithString("approved_by", mcp.Required(), mcp.Description("Reviewer identity recorded on the request")),
	)
	return tool, s.handleApproveMerge
}

func (s *Server) handleApproveMerge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := request.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: request_id"), nil
	}
	approver, err := request.RequireString("approved_by")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: approved_by"), nil
	}

	b, err := s.manager.ApproveMerge(ctx, requestID, approver)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to approve merge: %v", err)), nil
	}

	result := map[string]any{
		"request_id":  requestID,
		"branch_id":   b.ID,
		"name":        b.Name,
		"status":      string(b.Status),
		"approved_by": approver,
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// braid_reject_merge
func (s *Server) rejectMergeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_reject_merge",
		mcp.WithDescription("Reject a pending merge request. The branch returns to branching so its agents can rework the session and request again."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Merge request ID")),
		mcp.WithString("rejected_by", mcp.Required(), mcp.Description("Reviewer identity recorded on the request")),
		mcp.WithString("reason", mcp.Description("Why the merge was rejected")),
	)
	return tool, s.handleRejectMerge
}

func (s *Server) handleRejectMerge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := request.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: request_id"), nil
	}
	reviewer, err := request.RequireString("rejected_by")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: rejected_by"), nil
	}

	b, err := s.manager.RejectMerge(ctx, requestID, reviewer, request.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reject merge: %v", err)), nil
	}

	result := map[string]any{
		"request_id":  requestID,
		"branch_id":   b.ID,
		"name":        b.Name,
		"status":      string(b.Status),
		"rejected_by": reviewer,
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// braid_list_merges
func (s *Server) listMergesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_list_merges",
		mcp.WithDescription("List merge requests, optionally filtered by status (pending, approved, rejected, merged, conflict). Returns a JSON array sorted oldest first."),
		mcp.WithString("status", mcp.Description("Status filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of requests to return")),
	)
	return tool, s.handleListMerges
}

func (s *Server) handleListMerges(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := models.MergeRequestStatus(request.GetString("status", ""))
	limit := request.GetInt("limit", 0)

	requests, err := s.manager.Queue().List(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list merge requests: %v", err)), nil
	}

	out := make([]map[string]any, len(requests))
	for i, req := range requests {
		out[i] = mergeOut(req)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal merge requests: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// braid_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_list_sessions",
		mcp.WithDescription("List live copy-on-write sessions. Returns a JSON array with id, state, base path, session path, and creation time."),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.sessions.List()

	type sessionOut struct {
		ID          string `json:"id"`
		State       string `json:"state"`
		BasePath    string `json:"base_path"`
		SessionPath string `json:"session_path"`
		CreatedAt   string `json:"created_at"`
	}
	out := make([]sessionOut, len(list))
	for i, sess := range list {
		out[i] = sessionOut{
			ID:          sess.ID,
			State:       string(sess.State),
			BasePath:    sess.BasePath,
			SessionPath: sess.SessionPath,
			CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// braid_cleanup_sessions
func (s *Server) cleanupSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_cleanup_sessions",
		mcp.WithDescription("Remove orphaned session directories left behind by crashed runs. Returns the number of directories removed."),
	)
	return tool, s.handleCleanupSessions
}

func (s *Server) handleCleanupSessions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cleaned, err := s.sessions.CleanupOrphans(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to clean sessions: %v", err)), nil
	}

	data, _ := json.Marshal(map[string]any{"cleaned": cleaned})
	return mcp.NewToolResultText(string(data)), nil
}

// braid_status
func (s *Server) subsystemStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_status",
		mcp.WithDescription("Get the subsystem-wide status: branch counts by state, session counts, pending merges, and the health score breakdown (capacity headroom, merge throughput, outcome quality, session hygiene)."),
	)
	return tool, s.handleSubsystemStatus
}

func (s *Server) handleSubsystemStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := s.gatherSnapshot(ctx)
	score := s.scorer.Score(&snap)

	byState := map[string]int{}
	branches, err := s.manager.List(ctx, store.BranchListFilter{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list branches: %v", err)), nil
	}
	for _, b := range branches {
		byState[string(b.Status)]++
	}

	result := map[string]any{
		"active_branches":        snap.ActiveBranches,
		"branch_limit":           snap.BranchLimit,
		"active_sessions":        snap.ActiveSessions,
		"orphan_sessions":        snap.OrphanSessions,
		"pending_merges":         snap.PendingMerges,
		"branches_by_state":      byState,
		"default_merge_strategy": s.manager.Settings().DefaultMergeStrategy,
		"health": map[string]any{
			"total":             score.Total,
			"capacity_headroom": score.CapacityHeadroom,
			"merge_throughput":  score.MergeThroughput,
			"outcome_quality":   score.OutcomeQuality,
			"session_hygiene":   score.SessionHygiene,
		},
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// braid_suggest_plan
func (s *Server) suggestPlanTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("braid_suggest_plan",
		mcp.WithDescription("Ask the configured LLM to decompose a goal into a branch plan: a branch name, agent assignments, execution strategy, and merge strategy. Returns the plan as JSON; pass it to braid_create_branch to act on it."),
		mcp.WithString("goal", mcp.Required(), mcp.Description("What the branch should accomplish")),
		mcp.WithString("files", mcp.Description("Comma-separated paths the work is expected to touch")),
	)
	return tool, s.handleSuggestPlan
}

func (s *Server) handleSuggestPlan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	goal, err := request.RequireString("goal")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: goal"), nil
	}
	if s.llm == nil {
		return mcp.NewToolResultError("LLM client not configured; set the anthropic API key"), nil
	}

	var files []string
	for _, f := range strings.Split(request.GetString("files", ""), ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}

	plan, err := s.llm.SuggestPlan(ctx, goal, files, s.strategyNames())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to suggest plan: %v", err)), nil
	}

	data, err := json.Marshal(plan)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal plan: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveBranch tries to find a branch by name first, then by ID.
func (s *Server) resolveBranch(ctx context.Context, ref string) (*models.Branch, error) {
	if b, err := s.manager.GetByName(ctx, ref); err == nil {
		return b, nil
	}
	if b, err := s.manager.Get(ctx, ref); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("branch not found: %s", ref)
}

func (s *Server) strategyNames() []string {
	names := make([]string, 0, len(s.manager.Strategies()))
	for name := range s.manager.Strategies() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// gatherSnapshot collects the health inputs from the managers and store.
func (s *Server) gatherSnapshot(ctx context.Context) health.Snapshot {
	snap := health.Snapshot{
		ActiveBranches: s.manager.ActiveCount(),
		BranchLimit:    s.manager.Settings().MaxConcurrentBranches,
		ActiveSessions: s.sessions.ActiveCount(),
		OrphanSessions: s.sessions.OrphanCount(),
	}

	if pending, err := s.manager.Queue().ListPending(ctx); err == nil {
		snap.PendingMerges = len(pending)
		for _, req := range pending {
			if snap.OldestPending.IsZero() || req.CreatedAt.Before(snap.OldestPending) {
				snap.OldestPending = req.CreatedAt
			}
		}
	}
	if completed, err := s.store.ListBranches(ctx, store.BranchListFilter{Status: models.BranchCompleted}); err == nil {
		snap.CompletedRecent = len(completed)
	}
	if failed, err := s.store.ListBranches(ctx, store.BranchListFilter{Status: models.BranchFailed}); err == nil {
		snap.FailedRecent = len(failed)
	}
	return snap
}

func branchOut(b *models.Branch) map[string]any {
	out := map[string]any{
		"id":             b.ID,
		"name":           b.Name,
		"status":         string(b.Status),
		"session_id":     b.SessionID,
		"agents":         len(b.Config.Agents),
		"merge_strategy": b.Config.MergeStrategy,
		"created_at":     b.CreatedAt.Format(time.RFC3339),
	}
	if b.ParentID != "" {
		out["parent_id"] = b.ParentID
	}
	if b.CompletedAt != nil {
		out["completed_at"] = b.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func mergeOut(req *models.MergeRequest) map[string]any {
	out := map[string]any{
		"id":                req.ID,
		"branch_id":         req.BranchID,
		"strategy":          req.Strategy,
		"status":            string(req.Status),
		"requires_approval": req.RequiresApproval,
		"created_at":        req.CreatedAt.Format(time.RFC3339),
	}
	if req.ApprovedBy != "" {
		out["approved_by"] = req.ApprovedBy
	}
	if req.Reason != "" {
		out["reason"] = req.Reason
	}
	return out
}

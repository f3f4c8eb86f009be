// Package api exposes the branching kernel over HTTP: branch lifecycle,
// merge approvals, session inspection and a server-sent event stream. The
// API is JSON end to end and designed for a web console or scripting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"braid.dev/braid/internal/branch"
	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/events"
	"braid.dev/braid/internal/health"
	"braid.dev/braid/internal/models"
	"braid.dev/braid/internal/sessions"
	"braid.dev/braid/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	manager  *branch.Manager
	sessions *sessions.Manager
	store    store.Store
	bus      *events.Bus
	scorer   *health.Scorer
}

// NewServer creates a new API server. The bus may be nil, which disables the
// event stream endpoint.
func NewServer(mgr *branch.Manager, sm *sessions.Manager, st store.Store, bus *events.Bus) *Server {
	return &Server{
		manager:  mgr,
		sessions: sm,
		store:    st,
		bus:      bus,
		scorer:   health.NewScorer(),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)

	mux.HandleFunc("GET /api/v1/status", s.statusOverview)
	mux.HandleFunc("GET /api/v1/health", s.subsystemHealth)
	mux.HandleFunc("GET /api/v1/strategies", s.listStrategies)

	mux.HandleFunc("GET /api/v1/branches", s.listBranches)
	mux.HandleFunc("POST /api/v1/branches", s.createBranch)
	mux.HandleFunc("GET /api/v1/branches/{id}", s.getBranch)
	mux.HandleFunc("POST /api/v1/branches/{id}/run", s.runBranch)
	mux.HandleFunc("POST /api/v1/branches/{id}/abort", s.abortBranch)
	mux.HandleFunc("POST /api/v1/branches/{id}/merge", s.requestMerge)
	mux.HandleFunc("GET /api/v1/branches/{id}/changes", s.branchChanges)

	mux.HandleFunc("GET /api/v1/merges", s.listMerges)
	mux.HandleFunc("GET /api/v1/merges/{id}", s.getMerge)
	mux.HandleFunc("POST /api/v1/merges/{id}/approve", s.approveMerge)
	mux.HandleFunc("POST /api/v1/merges/{id}/reject", s.rejectMerge)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("DELETE /api/v1/sessions/cleanup", s.cleanupSessions)

	mux.HandleFunc("GET /api/v1/events", s.streamEvents)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleError maps kernel errors onto HTTP statuses.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, braiderrors.ErrBranchNotFound),
		errors.Is(err, braiderrors.ErrSessionNotFound),
		errors.Is(err, braiderrors.ErrMergeRequestNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, braiderrors.ErrCapacityExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, braiderrors.ErrInvalidTransition),
		errors.Is(err, braiderrors.ErrConflict),
		errors.Is(err, braiderrors.ErrMergeConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, braiderrors.ErrApprovalRequired):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, braiderrors.ErrUnknownStrategy),
		errors.Is(err, braiderrors.ErrNestingTooDeep),
		errors.Is(err, braiderrors.ErrTooManyBranches),
		errors.Is(err, braiderrors.ErrPathNotFound),
		errors.Is(err, braiderrors.ErrPathTraversal):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Status ---

type statusResponse struct {
	ActiveBranches  int            `json:"active_branches"`
	BranchLimit     int            `json:"branch_limit"`
	ActiveSessions  int            `json:"active_sessions"`
	OrphanSessions  int            `json:"orphan_sessions"`
	PendingMerges   int            `json:"pending_merges"`
	BranchesByState map[string]int `json:"branches_by_state"`
	Health          int            `json:"health"`
	DefaultStrategy string         `json:"default_merge_strategy"`
}

func (s *Server) statusOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings := s.manager.Settings()

	resp := statusResponse{
		ActiveBranches:  s.manager.ActiveCount(),
		BranchLimit:     settings.MaxConcurrentBranches,
		ActiveSessions:  s.sessions.ActiveCount(),
		OrphanSessions:  s.sessions.OrphanCount(),
		BranchesByState: map[string]int{},
		DefaultStrategy: settings.DefaultMergeStrategy,
	}

	all, err := s.store.ListBranches(ctx, store.BranchListFilter{})
	if err != nil {
		handleError(w, err)
		return
	}
	for _, b := range all {
		resp.BranchesByState[string(b.Status)]++
	}

	pending, err := s.manager.Queue().ListPending(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	resp.PendingMerges = len(pending)

	snap, err := s.buildSnapshot(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	resp.Health = s.scorer.Score(snap).Total

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) subsystemHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.buildSnapshot(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.scorer.Score(snap))
}

func (s *Server) buildSnapshot(ctx context.Context) (*health.Snapshot, error) {
	snap := &health.Snapshot{
		ActiveBranches: s.manager.ActiveCount(),
		BranchLimit:    s.manager.Settings().MaxConcurrentBranches,
		ActiveSessions: s.sessions.ActiveCount(),
		OrphanSessions: s.sessions.OrphanCount(),
	}

	pending, err := s.manager.Queue().ListPending(ctx)
	if err != nil {
		return nil, err
	}
	snap.PendingMerges = len(pending)
	for _, mr := range pending {
		if snap.OldestPending.IsZero() || mr.CreatedAt.Before(snap.OldestPending) {
			snap.OldestPending = mr.CreatedAt
		}
	}

	completed, err := s.store.ListBranches(ctx, store.BranchListFilter{Status: models.BranchCompleted})
	if err != nil {
		return nil, err
	}
	failed, err := s.store.ListBranches(ctx, store.BranchListFilter{Status: models.BranchFailed})
	if err != nil {
		return nil, err
	}
	snap.CompletedRecent = len(completed)
	snap.FailedRecent = len(failed)
	return snap, nil
}

func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Strategies())
}

// --- Branches ---

type branchDetail struct {
	*models.Branch
	Children    []string                  `json:"Children,omitempty"`
	Assignments []*models.AgentAssignment `json:"Assignments,omitempty"`
}

func (s *Server) listBranches(w http.ResponseWriter, r *http.Request) {
	filter := store.BranchListFilter{
		Status:   models.BranchStatus(r.URL.Query().Get("status")),
		ParentID: r.URL.Query().Get("parent_id"),
		Active:   r.URL.Query().Get("active") == "true",
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	branches, err := s.manager.List(r.Context(), filter)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (s *Server) createBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string             `json:"name"`
		Base              string             `json:"base"`
		ParentID          string             `json:"parent_id"`
		Agents            []models.AgentSpec `json:"agents"`
		ExecutionStrategy string             `json:"execution_strategy"`
		MaxConcurrent     int                `json:"max_concurrent"`
		PerAgentSessions  bool               `json:"per_agent_sessions"`
		MergeStrategy     string             `json:"merge_strategy"`
		AutoMerge         bool               `json:"auto_merge"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Agents) == 0 {
		writeError(w, http.StatusBadRequest, "agents is required")
		return
	}
	if req.Base == "" && req.ParentID == "" {
		writeError(w, http.StatusBadRequest, "base or parent_id is required")
		return
	}

	b, err := s.manager.Create(r.Context(), branch.CreateRequest{
		Name:     req.Name,
		Base:     req.Base,
		ParentID: req.ParentID,
		Config: models.BranchConfig{
			Agents:            req.Agents,
			ExecutionStrategy: models.ExecutionStrategy(req.ExecutionStrategy),
			MaxConcurrent:     req.MaxConcurrent,
			PerAgentSessions:  req.PerAgentSessions,
			MergeStrategy:     req.MergeStrategy,
			AutoMerge:         req.AutoMerge,
		},
	})
	if err != nil {
		if strings.Contains(err.Error(), "already taken") {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) getBranch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.manager.Get(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	assignments, err := s.store.ListAssignments(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branchDetail{
		Branch:      b,
		Children:    s.manager.Children(id),
		Assignments: assignments,
	})
}

func (s *Server) runBranch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.manager.Get(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	// The run outlives this request; failures surface on the branch record.
	go func() {
		if _, err := s.manager.Run(context.Background(), id); err != nil {
			slog.Warn("branch run failed", "branch", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"branch_id": b.ID,
		"status":    string(models.BranchBranching),
	})
}

func (s *Server) abortBranch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.manager.Abort(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) requestMerge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Strategy string `json:"strategy"`
	}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	mr, err := s.manager.RequestMerge(r.Context(), id, req.Strategy)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mr)
}

func (s *Server) branchChanges(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.manager.Get(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	changes, err := s.sessions.Changes(b.SessionID)
	if err != nil {
		handleError(w, err)
		return
	}
	if changes == nil {
		changes = []models.FileChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"branch_id":  b.ID,
		"session_id": b.SessionID,
		"changes":    changes,
	})
}

// --- Merges ---

func (s *Server) listMerges(w http.ResponseWriter, r *http.Request) {
	status := models.MergeRequestStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	merges, err := s.manager.Queue().List(r.Context(), status, limit)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merges)
}

func (s *Server) getMerge(w http.ResponseWriter, r *http.Request) {
	mr, err := s.manager.Queue().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mr)
}

func (s *Server) approveMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApprovedBy string `json:"approved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, http.StatusBadRequest, "approved_by is required")
		return
	}

	b, err := s.manager.ApproveMerge(r.Context(), r.PathValue("id"), req.ApprovedBy)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) rejectMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RejectedBy string `json:"rejected_by"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RejectedBy == "" {
		writeError(w, http.StatusBadRequest, "rejected_by is required")
		return
	}

	b, err := s.manager.RejectMerge(r.Context(), r.PathValue("id"), req.RejectedBy, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	cleaned, err := s.sessions.CleanupOrphans(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleaned": cleaned})
}

// --- Events ---

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	braiderrors "braid.dev/braid/internal/errors"
	"braid.dev/braid/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent kernel operations.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Branches ---

func (s *SQLiteStore) CreateBranch(ctx context.Context, b *models.Branch) error {
	if b.ID == "" {
		b.ID = newULID()
	}
	if b.Status == "" {
		b.Status = models.BranchAnalyzing
	}
	b.CreatedAt = time.Now().UTC()

	configJSON, err := json.Marshal(b.Config)
	if err != nil {
		return fmt.Errorf("marshal branch config: %w", err)
	}
	resultJSON, err := marshalResult(b.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO branches (id, parent_id, name, session_id, status, config, result, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ParentID, b.Name, b.SessionID, string(b.Status),
		string(configJSON), resultJSON, b.CreatedAt, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, name, session_id, status, config, result, created_at, completed_at
		FROM branches WHERE id = ?`, id)

	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return nil, &braiderrors.BranchNotFoundError{BranchID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get branch: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) GetBranchByName(ctx context.Context, name string) (*models.Branch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, name, session_id, status, config, result, created_at, completed_at
		FROM branches WHERE name = ?`, name)

	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return nil, &braiderrors.BranchNotFoundError{BranchID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get branch by name: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) ListBranches(ctx context.Context, filter BranchListFilter) ([]*models.Branch, error) {
	query := `SELECT id, parent_id, name, session_id, status, config, result, created_at, completed_at FROM branches`
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ParentID != "" {
		conditions = append(conditions, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.Active {
		conditions = append(conditions, "status NOT IN ('completed', 'failed')")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var branches []*models.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (s *SQLiteStore) UpdateBranch(ctx context.Context, b *models.Branch) error {
	configJSON, err := json.Marshal(b.Config)
	if err != nil {
		return fmt.Errorf("marshal branch config: %w", err)
	}
	resultJSON, err := marshalResult(b.Result)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE branches SET name=?, session_id=?, status=?, config=?, result=?, completed_at=? WHERE id=?`,
		b.Name, b.SessionID, string(b.Status), string(configJSON), resultJSON, b.CompletedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("update branch: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &braiderrors.BranchNotFoundError{BranchID: b.ID}
	}
	return nil
}

func (s *SQLiteStore) DeleteBranch(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM branches WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &braiderrors.BranchNotFoundError{BranchID: id}
	}
	return nil
}

func (s *SQLiteStore) CountActiveBranches(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM branches WHERE status NOT IN ('completed', 'failed')").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active branches: %w", err)
	}
	return count, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (*models.Branch, error) {
	b := &models.Branch{}
	var status, configJSON string
	var resultJSON sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(&b.ID, &b.ParentID, &b.Name, &b.SessionID, &status,
		&configJSON, &resultJSON, &b.CreatedAt, &completedAt); err != nil {
		return nil, err
	}

	b.Status = models.BranchStatus(status)
	if err := json.Unmarshal([]byte(configJSON), &b.Config); err != nil {
		return nil, fmt.Errorf("decode branch config: %w", err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		b.Result = &models.BranchResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), b.Result); err != nil {
			return nil, fmt.Errorf("decode branch result: %w", err)
		}
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

func marshalResult(r *models.BranchResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal branch result: %w", err)
	}
	return string(data), nil
}

// --- Agent assignments ---

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *models.AgentAssignment) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	if a.Status == "" {
		a.Status = models.AssignmentPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_assignments (id, branch_id, agent_id, task_id, task, status, output, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.BranchID, a.AgentID, a.TaskID, a.Task, string(a.Status),
		a.Output, a.Error, a.StartedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (*models.AgentAssignment, error) {
	a := &models.AgentAssignment{}
	var status string
	var startedAt, completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, branch_id, agent_id, task_id, task, status, output, error, started_at, completed_at
		FROM agent_assignments WHERE id = ?`, id,
	).Scan(&a.ID, &a.BranchID, &a.AgentID, &a.TaskID, &a.Task, &status,
		&a.Output, &a.Error, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("assignment not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	a.Status = models.AssignmentStatus(status)
	if startedAt.Valid {
		a.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return a, nil
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, branchID string) ([]*models.AgentAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, branch_id, agent_id, task_id, task, status, output, error, started_at, completed_at
		FROM agent_assignments WHERE branch_id = ? ORDER BY id`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var assignments []*models.AgentAssignment
	for rows.Next() {
		a := &models.AgentAssignment{}
		var status string
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(&a.ID, &a.BranchID, &a.AgentID, &a.TaskID, &a.Task, &status,
			&a.Output, &a.Error, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}

		a.Status = models.AssignmentStatus(status)
		if startedAt.Valid {
			a.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.Time
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (s *SQLiteStore) UpdateAssignment(ctx context.Context, a *models.AgentAssignment) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_assignments SET status=?, output=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		string(a.Status), a.Output, a.Error, a.StartedAt, a.CompletedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("assignment not found: %s", a.ID)
	}
	return nil
}

// --- Merge requests ---

func (s *SQLiteStore) CreateMergeRequest(ctx context.Context, mr *models.MergeRequest) error {
	if mr.ID == "" {
		mr.ID = newULID()
	}
	if mr.Status == "" {
		mr.Status = models.MergePending
	}
	now := time.Now().UTC()
	mr.CreatedAt = now
	mr.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merge_requests (id, branch_id, strategy, status, requires_approval, approved_by, approved_at, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mr.ID, mr.BranchID, mr.Strategy, string(mr.Status), boolToInt(mr.RequiresApproval),
		mr.ApprovedBy, mr.ApprovedAt, mr.Reason, mr.CreatedAt, mr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create merge request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMergeRequest(ctx context.Context, id string) (*models.MergeRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, branch_id, strategy, status, requires_approval, approved_by, approved_at, reason, created_at, updated_at
		FROM merge_requests WHERE id = ?`, id)

	mr, err := scanMergeRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("merge request %s: %w", id, braiderrors.ErrMergeRequestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get merge request: %w", err)
	}
	return mr, nil
}

func (s *SQLiteStore) GetActiveMergeRequest(ctx context.Context, branchID string) (*models.MergeRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, branch_id, strategy, status, requires_approval, approved_by, approved_at, reason, created_at, updated_at
		FROM merge_requests WHERE branch_id = ? AND status IN ('pending', 'approved')
		ORDER BY created_at DESC LIMIT 1`, branchID)

	mr, err := scanMergeRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no active merge request for branch %s: %w", branchID, braiderrors.ErrMergeRequestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active merge request: %w", err)
	}
	return mr, nil
}

func (s *SQLiteStore) ListMergeRequests(ctx context.Context, status models.MergeRequestStatus, limit int) ([]*models.MergeRequest, error) {
	query := `SELECT id, branch_id, strategy, status, requires_approval, approved_by, approved_at, reason, created_at, updated_at
		FROM merge_requests`
	var args []any

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list merge requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []*models.MergeRequest
	for rows.Next() {
		mr, err := scanMergeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan merge request: %w", err)
		}
		requests = append(requests, mr)
	}
	return requests, rows.Err()
}

func (s *SQLiteStore) UpdateMergeRequest(ctx context.Context, mr *models.MergeRequest) error {
	mr.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE merge_requests SET strategy=?, status=?, requires_approval=?, approved_by=?, approved_at=?, reason=?, updated_at=? WHERE id=?`,
		mr.Strategy, string(mr.Status), boolToInt(mr.RequiresApproval),
		mr.ApprovedBy, mr.ApprovedAt, mr.Reason, mr.UpdatedAt, mr.ID,
	)
	if err != nil {
		return fmt.Errorf("update merge request: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("merge request %s: %w", mr.ID, braiderrors.ErrMergeRequestNotFound)
	}
	return nil
}

func scanMergeRequest(row rowScanner) (*models.MergeRequest, error) {
	mr := &models.MergeRequest{}
	var status string
	var approvedAt sql.NullTime

	if err := row.Scan(&mr.ID, &mr.BranchID, &mr.Strategy, &status, &mr.RequiresApproval,
		&mr.ApprovedBy, &approvedAt, &mr.Reason, &mr.CreatedAt, &mr.UpdatedAt); err != nil {
		return nil, err
	}

	mr.Status = models.MergeRequestStatus(status)
	if approvedAt.Valid {
		mr.ApprovedAt = &approvedAt.Time
	}
	return mr, nil
}

package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasklens/internal/auth"
	"tasklens/internal/schema"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite 的任务存储参考实现，按行做属主检查
// SQLiteStore is the SQLite reference implementation with per-row owner checks
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	schemaSQL := `
	CREATE TABLE IF NOT EXISTS tasks (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		text       TEXT NOT NULL,
		details    TEXT NOT NULL DEFAULT '',
		priority   TEXT NOT NULL DEFAULT 'medium',
		status     TEXT NOT NULL DEFAULT 'todo',
		hours      REAL NOT NULL DEFAULT 0,
		project_id TEXT NOT NULL DEFAULT '',
		ref_link   TEXT NOT NULL DEFAULT '',
		provenance TEXT NOT NULL DEFAULT '',
		shared     INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_members (
		project_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		PRIMARY KEY(project_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, owner auth.Principal, in CreateTaskInput) (string, error) {
	if owner.IsZero() {
		return "", auth.ErrUnauthenticated
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", fmt.Errorf("task text is empty")
	}
	status := strings.TrimSpace(in.Status)
	if status == "" {
		status = StatusTodo
	}
	id := "task_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, text, details, priority, status, hours, project_id, ref_link, provenance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, owner.ID, text, in.Details, schema.NormalizePriority(in.Priority), status,
		in.Hours, in.ProjectID, in.RefLink, string(in.Provenance),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ShareWithCollaborators(ctx context.Context, caller auth.Principal, taskID string) (ShareResult, error) {
	if caller.IsZero() {
		return ShareResult{}, auth.ErrUnauthenticated
	}
	var (
		ownerID   string
		projectID string
		shared    int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, project_id, shared FROM tasks WHERE id=?`, taskID).
		Scan(&ownerID, &projectID, &shared)
	if err != nil {
		if err == sql.ErrNoRows {
			return ShareResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return ShareResult{}, fmt.Errorf("load task: %w", err)
	}

	authorized := ownerID == caller.ID
	if !authorized && projectID != "" {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM project_members WHERE project_id=? AND user_id=?`,
			projectID, caller.ID).Scan(&n); err == nil && n > 0 {
			authorized = true
		}
	}
	if !authorized {
		return ShareResult{}, fmt.Errorf("%w: task %s", ErrNotAuthorized, taskID)
	}

	collaborators := 0
	if projectID != "" {
		_ = s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM project_members WHERE project_id=?`, projectID).
			Scan(&collaborators)
	}
	if shared != 0 {
		return ShareResult{TaskID: taskID, Collaborators: collaborators, AlreadyShared: true}, nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET shared=1 WHERE id=?`, taskID); err != nil {
		return ShareResult{}, fmt.Errorf("mark shared: %w", err)
	}
	return ShareResult{TaskID: taskID, Collaborators: collaborators}, nil
}

// AddProjectMember registers a collaborator on a project.
func (s *SQLiteStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO project_members (project_id, user_id) VALUES (?, ?)`,
		projectID, userID)
	if err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

// GetTask loads one task row. Used by the CLI for display and by tests.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (TaskRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, text, details, priority, status, hours, project_id, ref_link, provenance, shared
		FROM tasks WHERE id=?`, taskID)

	var (
		t      TaskRow
		shared int
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Text, &t.Details, &t.Priority, &t.Status,
		&t.Hours, &t.ProjectID, &t.RefLink, &t.Provenance, &shared)
	if err != nil {
		if err == sql.ErrNoRows {
			return TaskRow{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return TaskRow{}, fmt.Errorf("load task: %w", err)
	}
	t.Shared = shared != 0
	return t, nil
}

// TaskRow is one persisted task record.
type TaskRow struct {
	ID         string
	OwnerID    string
	Text       string
	Details    string
	Priority   string
	Status     string
	Hours      float64
	ProjectID  string
	RefLink    string
	Provenance string
	Shared     bool
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

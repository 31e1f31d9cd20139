package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tasklens/internal/auth"
	"tasklens/internal/chat"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的线程日志实现
// SQLiteStore implements Store using SQLite with WAL mode
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 创建并初始化线程数据库
// NewSQLiteStore creates and initializes the thread database
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
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		owner_name TEXT NOT NULL DEFAULT '',
		title      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id    TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls   TEXT NOT NULL DEFAULT '[]',
		partial      INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		UNIQUE(thread_id, seq)
	);

	CREATE TABLE IF NOT EXISTS deltas (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		turn       INTEGER NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);
	CREATE INDEX IF NOT EXISTS idx_deltas_thread ON deltas(thread_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Thread Operations ---

func (s *SQLiteStore) CreateThread(ctx context.Context, owner auth.Principal, title string) (Meta, error) {
	if owner.IsZero() {
		return Meta{}, auth.ErrUnauthenticated
	}
	now := nowUTC()
	meta := Meta{
		ID:        NewThreadID(),
		OwnerID:   owner.ID,
		OwnerName: owner.Name,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, owner_id, owner_name, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.OwnerID, meta.OwnerName, meta.Title, meta.CreatedAt, meta.UpdatedAt,
	)
	if err != nil {
		return Meta{}, fmt.Errorf("insert thread: %w", err)
	}
	return meta, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (Meta, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return Meta{}, fmt.Errorf("%w: empty id", ErrThreadNotFound)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_name, title, created_at, updated_at
		FROM threads WHERE id=?`, threadID)

	var meta Meta
	err := row.Scan(&meta.ID, &meta.OwnerID, &meta.OwnerName, &meta.Title, &meta.CreatedAt, &meta.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Meta{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return Meta{}, fmt.Errorf("load thread: %w", err)
	}
	return meta, nil
}

// --- Message Operations ---

// AppendMessage assigns the next per-thread seq inside one transaction, which
// serializes concurrent appends to the same thread.
func (s *SQLiteStore) AppendMessage(ctx context.Context, threadID string, owner auth.Principal, msg chat.Message) (int, error) {
	meta, err := s.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if owner.IsZero() {
		return 0, auth.ErrUnauthenticated
	}
	if meta.OwnerID != owner.ID {
		return 0, fmt.Errorf("%w: thread %s", ErrNotThreadOwner, threadID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE thread_id=?`, threadID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	toolCallsJSON := "[]"
	if len(msg.ToolCalls) > 0 {
		data, marshalErr := json.Marshal(msg.ToolCalls)
		if marshalErr == nil {
			toolCallsJSON = string(data)
		}
	}
	now := nowUTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (thread_id, seq, role, content, name, tool_call_id, tool_calls, partial, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		threadID, seq, msg.Role, msg.Content, msg.Name, msg.ToolCallID, toolCallsJSON, boolToInt(msg.Partial), now,
	); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at=? WHERE id=?`, now, threadID); err != nil {
		return 0, fmt.Errorf("update thread timestamp: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// ListMessages returns messages with seq > cursor in strict append order.
// Pass cursor -1 to read from the beginning.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string, cursor, limit int) (Page, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, name, tool_call_id, tool_calls, partial
		FROM messages WHERE thread_id=? AND seq>? ORDER BY seq LIMIT ?`,
		threadID, cursor, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	page := Page{NextCursor: cursor}
	for rows.Next() {
		var (
			seq           int
			msg           chat.Message
			toolCallsJSON string
			partial       int
		)
		if err := rows.Scan(&seq, &msg.Role, &msg.Content, &msg.Name, &msg.ToolCallID, &toolCallsJSON, &partial); err != nil {
			// A dropped row would silently hole the page and break cursor
			// stability.
			return Page{}, fmt.Errorf("scan message: %w", err)
		}
		if len(page.Messages) == limit {
			page.HasMore = true
			break
		}
		if toolCallsJSON != "" && toolCallsJSON != "[]" {
			var calls []chat.ToolCall
			if err := json.Unmarshal([]byte(toolCallsJSON), &calls); err == nil {
				msg.ToolCalls = calls
			}
		}
		msg.Partial = partial != 0
		page.Messages = append(page.Messages, msg)
		page.NextCursor = seq
	}
	return page, rows.Err()
}

// --- Streaming Deltas ---

func (s *SQLiteStore) AppendDelta(ctx context.Context, threadID string, turn int, chunk string) error {
	if chunk == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deltas (thread_id, turn, content, created_at)
		VALUES (?, ?, ?, ?)`, threadID, turn, chunk, nowUTC())
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDeltas(ctx context.Context, threadID string, afterSeq int64) ([]Delta, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, turn, content FROM deltas WHERE thread_id=? AND seq>? ORDER BY seq`,
		threadID, afterSeq)
	if err != nil {
		return nil, afterSeq, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	var (
		deltas []Delta
		last   = afterSeq
	)
	for rows.Next() {
		var d Delta
		if err := rows.Scan(&d.Seq, &d.Turn, &d.Content); err != nil {
			return nil, afterSeq, fmt.Errorf("scan delta: %w", err)
		}
		deltas = append(deltas, d)
		last = d.Seq
	}
	return deltas, last, rows.Err()
}

func (s *SQLiteStore) ClearDeltas(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deltas WHERE thread_id=?`, threadID); err != nil {
		return fmt.Errorf("clear deltas: %w", err)
	}
	return nil
}

// --- Helpers ---

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

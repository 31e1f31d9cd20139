package blob

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的 blob 持久化实现
// SQLiteStore implements Store using SQLite with WAL mode
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 创建并初始化 blob 数据库
// NewSQLiteStore creates and initializes the blob database
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

	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		ref        TEXT PRIMARY KEY,
		sha256     TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		data       BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blobs_sha ON blobs(sha256);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("blob data is empty")
	}
	ref := "blob_" + uuid.NewString()
	sum := sha256.Sum256(data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (ref, sha256, size_bytes, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ref, hex.EncodeToString(sum[:]), len(data), data,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return ref, nil
}

func (s *SQLiteStore) Get(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrReferenceNotFound
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE ref=?`, ref).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
		}
		return nil, fmt.Errorf("load blob: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE ref=?`, ref)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

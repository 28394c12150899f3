package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/agentsession/internal/shared"
)

// SQLiteStore implements Store over a single SQLite file, WAL-mode for
// concurrent readers, matching the reference implementation's connection
// setup.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the session KV database at
// dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_kv (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_session_kv_session ON session_kv(session_id);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_kv WHERE session_id = ? AND key = ?`, sessionID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", sessionID, key, err)
	}
	return value, true, nil
}

// Put writes value, retrying on SQLITE_BUSY/"database is locked" with
// exponential backoff, the same pattern the reference implementation uses
// for its container-id updates.
func (s *SQLiteStore) Put(ctx context.Context, sessionID, key string, value []byte) error {
	const maxRetries = 3
	const baseDelay = 50 * time.Millisecond

	query := `
	INSERT INTO session_kv (session_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	now := time.Now().UnixMilli()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := s.db.ExecContext(ctx, query, sessionID, key, value, now)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shared.IsSQLiteConflictError(err) {
			return fmt.Errorf("put %s/%s: %w", sessionID, key, err)
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<attempt)
			slog.Debug("session_kv write hit SQLITE_BUSY, retrying", "session_id", sessionID, "key", key, "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("put %s/%s after retries: %w", sessionID, key, lastErr)
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_kv WHERE session_id = ? AND key = ?`, sessionID, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", sessionID, key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)

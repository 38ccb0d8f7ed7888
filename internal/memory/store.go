// Package memory persists conversation history in SQLite. The delivery layer
// uses it for the per-conversation bookkeeping: saving replies and trimming
// stored context to the configured limit.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		conv_key    TEXT PRIMARY KEY,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		conv_key    TEXT NOT NULL REFERENCES conversations(conv_key) ON DELETE CASCADE,
		role        TEXT NOT NULL,
		content     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conv_key, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, convKey, role, content string) error {
	now := time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conv_key, created_at, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(conv_key) DO UPDATE SET updated_at = excluded.updated_at`,
		convKey, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (conv_key, role, content, created_at) VALUES (?, ?, ?, ?)`,
		convKey, role, content, now,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, convKey string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conv_key, role, content, created_at
		 FROM messages WHERE conv_key = ?
		 ORDER BY id DESC LIMIT ?`, convKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.HistoryEntry
	for rows.Next() {
		var m domain.HistoryEntry
		if err := rows.Scan(&m.ID, &m.ConvKey, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// TrimHistory deletes the oldest messages beyond limit for one conversation
// and returns how many rows were removed.
func (s *SQLiteStore) TrimHistory(ctx context.Context, convKey string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages
		 WHERE conv_key = ?
		   AND id NOT IN (
		     SELECT id FROM messages WHERE conv_key = ? ORDER BY id DESC LIMIT ?
		   )`,
		convKey, convKey, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("trim history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

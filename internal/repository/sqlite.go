package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ent0n29/memsync/internal/protocol"
)

// SQLiteStore persists account memory in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires a database handle")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			start_timestamp TEXT NOT NULL,
			end_timestamp TEXT NOT NULL,
			summary TEXT NOT NULL,
			embedding TEXT NOT NULL,
			uploaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_data_user ON chat_data (user_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init chat_data schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ReplaceAll(ctx context.Context, userID int64, items []protocol.Item) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_data WHERE user_id=?`, userID); err != nil {
		return 0, fmt.Errorf("delete prior records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chat_data (user_id, start_timestamp, end_timestamp, summary, embedding)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		emb, err := encodeEmbedding(item.Embedding)
		if err != nil {
			return 0, fmt.Errorf("encode embedding: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, userID, item.StartTimestamp, item.EndTimestamp, item.Summary, emb); err != nil {
			return 0, fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(items), nil
}

func (s *SQLiteStore) ListAll(ctx context.Context, userID int64) ([]protocol.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_timestamp, end_timestamp, summary, embedding
		   FROM chat_data WHERE user_id=? ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make([]protocol.Item, 0, 16)
	for rows.Next() {
		var r storedRecord
		if err := rows.Scan(&r.StartTimestamp, &r.EndTimestamp, &r.Summary, &r.Embedding); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, r.item())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return out, nil
}

// Close is a no-op; the handle belongs to the storage backend.
func (s *SQLiteStore) Close() error { return nil }

package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/memsync/internal/protocol"
)

// PostgresStore persists account memory in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres store requires a connection pool")
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_data (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			start_timestamp VARCHAR(50) NOT NULL,
			end_timestamp VARCHAR(50) NOT NULL,
			summary TEXT NOT NULL,
			embedding TEXT NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_data_user ON chat_data (user_id, id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init chat_data schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) ReplaceAll(ctx context.Context, userID int64, items []protocol.Item) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chat_data WHERE user_id=$1`, userID); err != nil {
		return 0, fmt.Errorf("delete prior records: %w", err)
	}

	for _, item := range items {
		emb, err := encodeEmbedding(item.Embedding)
		if err != nil {
			return 0, fmt.Errorf("encode embedding: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_data (user_id, start_timestamp, end_timestamp, summary, embedding)
			 VALUES ($1, $2, $3, $4, $5)`,
			userID,
			item.StartTimestamp,
			item.EndTimestamp,
			item.Summary,
			emb,
		)
		if err != nil {
			return 0, fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(items), nil
}

func (s *PostgresStore) ListAll(ctx context.Context, userID int64) ([]protocol.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT start_timestamp, end_timestamp, summary, embedding
		   FROM chat_data WHERE user_id=$1 ORDER BY id ASC`,
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

// Close is a no-op; the pool belongs to the storage backend.
func (s *PostgresStore) Close() error { return nil }

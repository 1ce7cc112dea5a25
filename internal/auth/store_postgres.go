package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists accounts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres store requires a connection pool")
	}
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(80) NOT NULL UNIQUE,
		password VARCHAR(200) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`)
	if err != nil {
		return nil, fmt.Errorf("init users schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, username, passwordHash string) (Account, error) {
	acc := Account{Username: username, PasswordHash: passwordHash}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id, created_at`,
		username, passwordHash,
	).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrUsernameTaken
		}
		return Account{}, fmt.Errorf("insert user: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Account, error) {
	return s.scanOne(ctx, `SELECT id, username, password, created_at FROM users WHERE id=$1`, id)
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (Account, error) {
	return s.scanOne(ctx, `SELECT id, username, password, created_at FROM users WHERE username=$1`, username)
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, arg any) (Account, error) {
	var acc Account
	err := s.pool.QueryRow(ctx, query, arg).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("get user: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) Close() error { return nil }

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore persists accounts in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires a database handle")
	}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`)
	if err != nil {
		return nil, fmt.Errorf("init users schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, username, passwordHash string) (Account, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Account{}, ErrUsernameTaken
		}
		return Account{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Account{}, fmt.Errorf("read user id: %w", err)
	}
	return Account{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (Account, error) {
	return s.scanOne(ctx, `SELECT id, username, password, created_at FROM users WHERE id=?`, id)
}

func (s *SQLiteStore) GetByUsername(ctx context.Context, username string) (Account, error) {
	return s.scanOne(ctx, `SELECT id, username, password, created_at FROM users WHERE username=?`, username)
}

func (s *SQLiteStore) scanOne(ctx context.Context, query string, arg any) (Account, error) {
	var acc Account
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("get user: %w", err)
	}
	return acc, nil
}

func (s *SQLiteStore) Close() error { return nil }

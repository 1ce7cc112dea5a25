package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/memsync/internal/storage"
)

var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("token is missing")
)

// Account is a registered user. PasswordHash is a bcrypt hash.
type Account struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists accounts. Usernames are unique.
type Store interface {
	Create(ctx context.Context, username, passwordHash string) (Account, error)
	Get(ctx context.Context, id int64) (Account, error)
	GetByUsername(ctx context.Context, username string) (Account, error)
	Close() error
}

// NewStore creates the account store matching the backend's mode.
func NewStore(ctx context.Context, backend *storage.Backend) (Store, error) {
	switch backend.Mode {
	case storage.ModePostgres:
		return NewPostgresStore(ctx, backend.Pool)
	case storage.ModeSQLite:
		return NewSQLiteStore(ctx, backend.SQL)
	case storage.ModeMemory:
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store mode %q", backend.Mode)
	}
}

package repository

import (
	"context"
	"fmt"

	"github.com/ent0n29/memsync/internal/storage"
)

// NewStore creates the store matching the backend's mode.
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

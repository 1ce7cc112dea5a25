// Package storage opens the database shared by the account and memory
// repositories of the sync server.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ModePostgres = "postgres"
	ModeSQLite   = "sqlite"
	ModeMemory   = "memory"
)

// Backend holds whichever connection the configured mode needs. Exactly one of
// Pool and SQL is set for the postgres and sqlite modes; neither for memory.
type Backend struct {
	Mode string
	Pool *pgxpool.Pool
	SQL  *sql.DB
}

// Open resolves mode ("auto" picks postgres when databaseURL is set, otherwise
// sqlite) and connects.
func Open(ctx context.Context, mode, databaseURL, sqlitePath string) (*Backend, error) {
	mode = ResolveMode(mode, databaseURL)
	switch mode {
	case ModePostgres:
		if strings.TrimSpace(databaseURL) == "" {
			return nil, fmt.Errorf("postgres mode requires DATABASE_URL")
		}
		pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Backend{Mode: mode, Pool: pool}, nil
	case ModeSQLite:
		db, err := OpenSQLite(sqlitePath)
		if err != nil {
			return nil, err
		}
		return &Backend{Mode: mode, SQL: db}, nil
	case ModeMemory:
		return &Backend{Mode: mode}, nil
	default:
		return nil, fmt.Errorf("unsupported store mode %q", mode)
	}
}

func ResolveMode(mode, databaseURL string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "auto" {
		if strings.TrimSpace(databaseURL) != "" {
			return ModePostgres
		}
		return ModeSQLite
	}
	return mode
}

func (b *Backend) Close() error {
	if b.Pool != nil {
		b.Pool.Close()
	}
	if b.SQL != nil {
		return b.SQL.Close()
	}
	return nil
}

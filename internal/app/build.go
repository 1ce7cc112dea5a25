// Package app wires the sync server's stores, services and HTTP API from
// configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/memsync/internal/auth"
	"github.com/ent0n29/memsync/internal/config"
	"github.com/ent0n29/memsync/internal/events"
	"github.com/ent0n29/memsync/internal/httpapi"
	"github.com/ent0n29/memsync/internal/observability"
	"github.com/ent0n29/memsync/internal/repository"
	"github.com/ent0n29/memsync/internal/storage"
)

type BuildResult struct {
	Config    config.Config
	StoreMode string
	API       *httpapi.Server
	Accounts  *auth.Service
	Hub       *events.Hub
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release the database.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	backend, err := storage.Open(ctx, cfg.StoreMode, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}

	accountStore, err := auth.NewStore(ctx, backend)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("account store init failed: %w", err)
	}

	repo, err := repository.NewStore(ctx, backend)
	if err != nil {
		_ = accountStore.Close()
		_ = backend.Close()
		return nil, fmt.Errorf("memory repository init failed: %w", err)
	}

	accounts, err := auth.NewService(accountStore, auth.ServiceConfig{
		Secret:     []byte(cfg.AuthSecret),
		TokenTTL:   cfg.AuthTokenTTL,
		BcryptCost: cfg.AuthBcryptCost,
	})
	if err != nil {
		_ = repo.Close()
		_ = accountStore.Close()
		_ = backend.Close()
		return nil, fmt.Errorf("auth service init failed: %w", err)
	}

	hub := events.NewHub(0, metrics)
	api := httpapi.New(cfg, accounts, repo, hub, metrics, backend.Mode)

	cleanup := func() error {
		var errs []string
		if err := repo.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := accountStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := backend.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		StoreMode: backend.Mode,
		API:       api,
		Accounts:  accounts,
		Hub:       hub,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}

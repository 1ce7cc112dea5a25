package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/memsync/internal/config"
)

func TestBuildServesSyncAPIOverSQLite(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace: "test_app_build",
		StoreMode:        "sqlite",
		SQLitePath:       filepath.Join(t.TempDir(), "chat.db"),
		AuthSecret:       "build-secret",
		AuthTokenTTL:     time.Hour,
		AuthBcryptCost:   4,
		MaxUploadBytes:   1 << 20,
	}
	res, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()
	if res.StoreMode != "sqlite" {
		t.Fatalf("StoreMode = %q, want sqlite", res.StoreMode)
	}

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/register", "application/json", strings.NewReader(`{"username":"a","password":"b"}`))
	if err != nil {
		t.Fatalf("register request error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}

	if _, err := res.Accounts.Login(context.Background(), "a", "b"); err != nil {
		t.Fatalf("Login() through built service error = %v", err)
	}
}

func TestBuildRejectsUnknownStoreMode(t *testing.T) {
	_, err := Build(context.Background(), config.Config{MetricsNamespace: "test_app_bad", StoreMode: "mongo", AuthSecret: "x"})
	if err == nil {
		t.Fatalf("Build() with unknown store mode should fail")
	}
}

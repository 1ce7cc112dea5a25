package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the sync server configuration, read from the environment.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	StoreMode   string
	DatabaseURL string
	SQLitePath  string

	AuthSecret          string
	AuthSecretGenerated bool
	AuthTokenTTL        time.Duration
	AuthBcryptCost      int

	TLSCertFile string
	TLSKeyFile  string

	MaxUploadBytes int64
}

// TLSFiles returns the certificate and key paths without loading the rest of
// the configuration.
func TLSFiles() (certFile, keyFile string) {
	return envOrDefault("TLS_CERT_FILE", "cert.pem"), envOrDefault("TLS_KEY_FILE", "key.pem")
}

func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":5000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "memsync"),
		StoreMode:        strings.ToLower(envOrDefault("STORE_MODE", "auto")),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		SQLitePath:       envOrDefault("SQLITE_PATH", "data/chat.db"),
		AuthSecret:       stringsTrimSpace("AUTH_SECRET"),
		ShutdownTimeout:  15 * time.Second,
		AuthTokenTTL:     24 * time.Hour,
		MaxUploadBytes:   32 << 20,
	}
	cfg.TLSCertFile, cfg.TLSKeyFile = TLSFiles()
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthTokenTTL, err = durationFromEnv("AUTH_TOKEN_TTL", cfg.AuthTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthBcryptCost, err = intFromEnv("AUTH_BCRYPT_COST", cfg.AuthBcryptCost)
	if err != nil {
		return Config{}, err
	}
	maxUpload, err := intFromEnv("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	switch cfg.StoreMode {
	case "auto", "postgres", "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("STORE_MODE must be one of auto, postgres, sqlite, memory")
	}
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("STORE_MODE=postgres requires DATABASE_URL")
	}
	if cfg.AuthTokenTTL < time.Minute {
		return Config{}, fmt.Errorf("AUTH_TOKEN_TTL must be at least 1m")
	}
	if cfg.AuthBcryptCost != 0 && (cfg.AuthBcryptCost < 4 || cfg.AuthBcryptCost > 31) {
		return Config{}, fmt.Errorf("AUTH_BCRYPT_COST must be between 4 and 31")
	}
	if cfg.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	if cfg.AuthSecret == "" {
		// A generated secret lives as long as the process, like memory-mode accounts.
		if cfg.StoreMode != "memory" {
			return Config{}, fmt.Errorf("AUTH_SECRET is required unless STORE_MODE=memory")
		}
		secret, err := randomSecret()
		if err != nil {
			return Config{}, err
		}
		cfg.AuthSecret = secret
		cfg.AuthSecretGenerated = true
	}

	return cfg, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

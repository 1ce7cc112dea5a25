package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the profile of the memsync CLI: where the server is, where
// the local logs live and which gateway backends to use.
type ClientConfig struct {
	ServerURL          string        `yaml:"server_url"`
	DataDir            string        `yaml:"data_dir"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	CAFile             string        `yaml:"ca_file"`
	AuthTimeout        time.Duration `yaml:"auth_timeout"`
	TransferTimeout    time.Duration `yaml:"transfer_timeout"`

	Gateway GatewayConfig `yaml:"gateway"`
	Memory  MemoryConfig  `yaml:"memory"`
	Files   FilesConfig   `yaml:"files"`
}

type GatewayConfig struct {
	Embedder        string        `yaml:"embedder"`
	Summarizer      string        `yaml:"summarizer"`
	OllamaURL       string        `yaml:"ollama_url"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	EmbedModel      string        `yaml:"embed_model"`
	SummaryModel    string        `yaml:"summary_model"`
	Temperature     float64       `yaml:"temperature"`
	Timeout         time.Duration `yaml:"timeout"`
	OpenAIAPIKey    string        `yaml:"-"`
	AnthropicAPIKey string        `yaml:"-"`
}

type MemoryConfig struct {
	SummaryInterval        int     `yaml:"summary_interval"`
	SummaryMaxLength       int     `yaml:"summary_max_length"`
	SimilarityThreshold    float64 `yaml:"similarity_threshold"`
	MaxResults             int     `yaml:"max_results"`
	PersistFailedSummaries bool    `yaml:"persist_failed_summaries"`
	RedactPII              bool    `yaml:"redact_pii"`
	BackgroundFlush        bool    `yaml:"background_flush"`
}

type FilesConfig struct {
	Folder     string   `yaml:"folder"`
	Patterns   []string `yaml:"patterns"`
	Threshold  float64  `yaml:"threshold"`
	MaxResults int      `yaml:"max_results"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:       "https://localhost:5000/api",
		DataDir:         "data",
		AuthTimeout:     10 * time.Second,
		TransferTimeout: 15 * time.Second,
		Gateway: GatewayConfig{
			Embedder:     "auto",
			Summarizer:   "auto",
			EmbedModel:   "nomic-embed-text",
			SummaryModel: "llama3",
			Temperature:  0.5,
			Timeout:      60 * time.Second,
		},
		Memory: MemoryConfig{
			SummaryInterval:        4,
			SummaryMaxLength:       500,
			SimilarityThreshold:    0.7,
			MaxResults:             2,
			PersistFailedSummaries: true,
		},
		Files: FilesConfig{
			Patterns:   []string{"*.md"},
			Threshold:  0.55,
			MaxResults: 3,
		},
	}
}

// LoadClient reads the YAML profile at path over the defaults, then applies
// environment overrides. An empty path or a missing file yields the defaults.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if trimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return ClientConfig{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return ClientConfig{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if v := stringsTrimSpace("MEMSYNC_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := stringsTrimSpace("MEMSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	cfg.Gateway.OpenAIAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.Gateway.AnthropicAPIKey = stringsTrimSpace("ANTHROPIC_API_KEY")
	var err error
	cfg.InsecureSkipVerify, err = boolFromEnv("MEMSYNC_INSECURE_SKIP_VERIFY", cfg.InsecureSkipVerify)
	if err != nil {
		return ClientConfig{}, err
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.ServerURL == "" {
		return ClientConfig{}, fmt.Errorf("server_url is required")
	}
	if trimSpace(cfg.DataDir) == "" {
		return ClientConfig{}, fmt.Errorf("data_dir is required")
	}
	if cfg.AuthTimeout <= 0 || cfg.TransferTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("auth_timeout and transfer_timeout must be positive")
	}
	if cfg.Memory.SummaryInterval <= 0 {
		return ClientConfig{}, fmt.Errorf("memory.summary_interval must be positive")
	}
	if cfg.Memory.SummaryMaxLength <= 3 {
		return ClientConfig{}, fmt.Errorf("memory.summary_max_length must be greater than 3")
	}
	if cfg.Memory.SimilarityThreshold <= 0 || cfg.Memory.SimilarityThreshold >= 1 {
		return ClientConfig{}, fmt.Errorf("memory.similarity_threshold must be in (0, 1)")
	}
	if cfg.Files.Threshold <= 0 || cfg.Files.Threshold >= 1 {
		return ClientConfig{}, fmt.Errorf("files.threshold must be in (0, 1)")
	}
	if len(cfg.Files.Patterns) == 0 {
		cfg.Files.Patterns = []string{"*.md"}
	}
	return cfg, nil
}

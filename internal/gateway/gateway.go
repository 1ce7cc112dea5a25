// Package gateway adapts external embedding and summarization services.
//
// Both services are fallible and carry no SLA. Every backend reports failure
// as an apperr.KindGateway error so the memory store can tell a degraded
// result apart from a clean one without inspecting sentinel strings.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/memsync/internal/apperr"
)

// Embedder converts text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Summarizer condenses a conversation transcript. maxLength is a hint passed
// to the model; callers still enforce it.
type Summarizer interface {
	Summarize(ctx context.Context, conversation string, maxLength int) (string, error)
}

// Config controls backend construction.
type Config struct {
	Embedder        string
	Summarizer      string
	// OllamaURL is the local daemon; OpenAIBaseURL overrides the OpenAI
	// endpoint and is empty for the public API.
	OllamaURL       string
	OpenAIBaseURL   string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	EmbedModel      string
	SummaryModel    string
	Temperature     float64
	Timeout         time.Duration
}

var ErrNoEmbeddings = errors.New("backend does not provide embeddings")

// New builds the embedder and summarizer selected by cfg.
func New(cfg Config) (Embedder, Summarizer, error) {
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, nil, err
	}
	summarizer, err := newSummarizer(cfg)
	if err != nil {
		return nil, nil, err
	}
	return embedder, summarizer, nil
}

func newEmbedder(cfg Config) (Embedder, error) {
	switch mode := normalizeMode(cfg.Embedder, cfg); mode {
	case "ollama":
		return NewOllamaGateway(cfg.OllamaURL, cfg.EmbedModel, cfg.SummaryModel, cfg.Temperature, cfg.Timeout), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai embedder requires an API key")
		}
		return NewOpenAIGateway(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbedModel, cfg.SummaryModel, cfg.Temperature), nil
	case "anthropic":
		return nil, fmt.Errorf("anthropic: %w", ErrNoEmbeddings)
	case "mock":
		return NewHashEmbedder(64), nil
	default:
		return nil, fmt.Errorf("unsupported embedder %q", cfg.Embedder)
	}
}

func newSummarizer(cfg Config) (Summarizer, error) {
	switch mode := normalizeMode(cfg.Summarizer, cfg); mode {
	case "ollama":
		return NewOllamaGateway(cfg.OllamaURL, cfg.EmbedModel, cfg.SummaryModel, cfg.Temperature, cfg.Timeout), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai summarizer requires an API key")
		}
		return NewOpenAIGateway(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbedModel, cfg.SummaryModel, cfg.Temperature), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("anthropic summarizer requires an API key")
		}
		return NewAnthropicSummarizer(cfg.AnthropicAPIKey, cfg.SummaryModel, cfg.Temperature), nil
	case "mock":
		return NewMockSummarizer(), nil
	default:
		return nil, fmt.Errorf("unsupported summarizer %q", cfg.Summarizer)
	}
}

// normalizeMode resolves "auto": openai when a key is configured, otherwise a
// local ollama daemon.
func normalizeMode(mode string, cfg Config) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "auto" {
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return "openai"
		}
		return "ollama"
	}
	return mode
}

func gatewayError(op string, err error) error {
	return apperr.Wrap(apperr.KindGateway, op, err)
}

// BuildSummaryPrompt renders the instruction sent to a summarization model.
func BuildSummaryPrompt(conversation string, maxLength int) string {
	return fmt.Sprintf(`Create a concise summary of the following conversation between user and AI.
Highlight key user information, interests, and important topics.
Summary should be no more than %d characters.

Conversation:
%s

Summary:`, maxLength, conversation)
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOllamaURL    = "http://localhost:11434"
	DefaultEmbedModel   = "nomic-embed-text"
	DefaultSummaryModel = "llama3"
)

// OllamaGateway talks to an Ollama-compatible HTTP daemon for both embeddings
// and summaries.
type OllamaGateway struct {
	baseURL      string
	embedModel   string
	summaryModel string
	temperature  float64
	client       *http.Client
}

func NewOllamaGateway(baseURL, embedModel, summaryModel string, temperature float64, timeout time.Duration) *OllamaGateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if strings.TrimSpace(embedModel) == "" {
		embedModel = DefaultEmbedModel
	}
	if strings.TrimSpace(summaryModel) == "" {
		summaryModel = DefaultSummaryModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaGateway{
		baseURL:      baseURL,
		embedModel:   embedModel,
		summaryModel: summaryModel,
		temperature:  temperature,
		client:       &http.Client{Timeout: timeout},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func (g *OllamaGateway) Embed(ctx context.Context, text string) ([]float64, error) {
	var out ollamaEmbedResponse
	if err := g.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: g.embedModel, Prompt: text}, &out); err != nil {
		return nil, gatewayError("ollama embed", err)
	}
	if len(out.Embedding) == 0 {
		return nil, gatewayError("ollama embed", errors.New("empty embedding"))
	}
	return out.Embedding, nil
}

func (g *OllamaGateway) Summarize(ctx context.Context, conversation string, maxLength int) (string, error) {
	req := ollamaGenerateRequest{
		Model:   g.summaryModel,
		Prompt:  BuildSummaryPrompt(conversation, maxLength),
		Stream:  false,
		Options: map[string]any{"temperature": g.temperature},
	}
	var out ollamaGenerateResponse
	if err := g.post(ctx, "/api/generate", req, &out); err != nil {
		return "", gatewayError("ollama summarize", err)
	}
	return strings.TrimSpace(out.Response), nil
}

func (g *OllamaGateway) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("ollama http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/memsync/internal/apperr"
)

func TestOllamaGatewayEmbedAndSummarize(t *testing.T) {
	var generatePrompt string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req ollamaEmbedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Model != "embed-m" {
				t.Errorf("embed model = %q, want %q", req.Model, "embed-m")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.5, 0.25}})
		case "/api/generate":
			var req ollamaGenerateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			generatePrompt = req.Prompt
			if req.Stream {
				t.Errorf("stream = true, want false")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"response": "  a short summary \n"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	g := NewOllamaGateway(ts.URL+"/", "embed-m", "sum-m", 0.5, 0)
	vec, err := g.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("Embed() = %v", vec)
	}

	summary, err := g.Summarize(context.Background(), "User: hi\nAi: hello", 500)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary != "a short summary" {
		t.Fatalf("Summarize() = %q", summary)
	}
	if !strings.Contains(generatePrompt, "no more than 500 characters") || !strings.Contains(generatePrompt, "User: hi") {
		t.Fatalf("prompt missing expected content: %q", generatePrompt)
	}
}

func TestOllamaGatewayStatusErrorIsGatewayKind(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	g := NewOllamaGateway(ts.URL, "", "", 0.5, 0)
	_, err := g.Embed(context.Background(), "hello")
	if !apperr.Is(err, apperr.KindGateway) {
		t.Fatalf("Embed() error = %v, want gateway kind", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("error should mention status: %v", err)
	}
}

func TestOllamaGatewayEmptyEmbeddingIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[]}`))
	}))
	defer ts.Close()

	_, err := NewOllamaGateway(ts.URL, "", "", 0.5, 0).Embed(context.Background(), "x")
	if !apperr.Is(err, apperr.KindGateway) {
		t.Fatalf("Embed() error = %v, want gateway kind", err)
	}
}

func TestHashEmbedderDeterministicUnitVector(t *testing.T) {
	e := NewHashEmbedder(16)
	a, _ := e.Embed(context.Background(), "same text")
	b, _ := e.Embed(context.Background(), "same text")
	if len(a) != 16 {
		t.Fatalf("len = %d, want 16", len(a))
	}
	var norm float64
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
		norm += a[i] * a[i]
	}
	if math.Abs(norm-1) > 1e-9 {
		t.Fatalf("norm = %v, want 1", norm)
	}
}

func TestNewSelectsBackends(t *testing.T) {
	emb, sum, err := New(Config{Embedder: "mock", Summarizer: "mock"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := emb.(*HashEmbedder); !ok {
		t.Fatalf("embedder = %T, want *HashEmbedder", emb)
	}
	if _, ok := sum.(*MockSummarizer); !ok {
		t.Fatalf("summarizer = %T, want *MockSummarizer", sum)
	}

	emb, _, err = New(Config{})
	if err != nil {
		t.Fatalf("New(auto) error = %v", err)
	}
	if _, ok := emb.(*OllamaGateway); !ok {
		t.Fatalf("auto embedder without key = %T, want *OllamaGateway", emb)
	}

	if _, _, err := New(Config{Embedder: "anthropic", Summarizer: "mock"}); !errors.Is(err, ErrNoEmbeddings) {
		t.Fatalf("anthropic embedder error = %v, want ErrNoEmbeddings", err)
	}
	if _, _, err := New(Config{Embedder: "mock", Summarizer: "openai"}); err == nil {
		t.Fatalf("openai summarizer without key should fail")
	}
	if _, _, err := New(Config{Embedder: "wat"}); err == nil {
		t.Fatalf("unknown embedder should fail")
	}
}

func TestAutoOpenAIIgnoresOllamaURL(t *testing.T) {
	var ollamaHits int
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ollamaHits++
		http.NotFound(w, r)
	}))
	defer ollama.Close()

	var embedPath string
	oa := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		embedPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer oa.Close()

	emb, _, err := New(Config{
		Embedder:      "auto",
		Summarizer:    "mock",
		OllamaURL:     ollama.URL,
		OpenAIBaseURL: oa.URL + "/v1/",
		OpenAIAPIKey:  "sk-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := emb.(*OpenAIGateway); !ok {
		t.Fatalf("auto embedder with a key = %T, want *OpenAIGateway", emb)
	}
	vec, err := emb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("Embed() = %v", vec)
	}
	if embedPath != "/v1/embeddings" {
		t.Fatalf("openai path = %q, want /v1/embeddings", embedPath)
	}
	if ollamaHits != 0 {
		t.Fatalf("ollama host received %d requests", ollamaHits)
	}
}

func TestMockSummarizerListsUserTopics(t *testing.T) {
	got, err := NewMockSummarizer().Summarize(context.Background(), "User: cats\nAi: nice\nUser: dogs\nAi: ok", 500)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "User talked about: cats; dogs" {
		t.Fatalf("Summarize() = %q", got)
	}
}

package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder generates deterministic unit vectors from a text hash. Equal
// texts embed identically; it carries no semantic similarity.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (m *HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	select {
	case <-ctx.Done():
		return nil, gatewayError("mock embed", ctx.Err())
	default:
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float64, m.dimensions)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed)) / float64(math.MaxInt64)
		norm += vec[i] * vec[i]
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// MockSummarizer returns the first line of each exchange, for offline use.
type MockSummarizer struct{}

func NewMockSummarizer() *MockSummarizer { return &MockSummarizer{} }

func (s *MockSummarizer) Summarize(ctx context.Context, conversation string, maxLength int) (string, error) {
	select {
	case <-ctx.Done():
		return "", gatewayError("mock summarize", ctx.Err())
	default:
	}

	var topics []string
	for _, line := range strings.Split(conversation, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "User: "); ok && rest != "" {
			topics = append(topics, rest)
		}
	}
	if len(topics) == 0 {
		return "Nothing to summarize.", nil
	}
	return fmt.Sprintf("User talked about: %s", strings.Join(topics, "; ")), nil
}

package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const DefaultAnthropicSummaryModel = "claude-3-5-haiku-latest"

// AnthropicSummarizer produces summaries through the Messages API. Anthropic
// has no embeddings endpoint, so it is only ever paired with another embedder.
type AnthropicSummarizer struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

func NewAnthropicSummarizer(apiKey, model string, temperature float64) *AnthropicSummarizer {
	if strings.TrimSpace(model) == "" || model == DefaultSummaryModel {
		model = DefaultAnthropicSummaryModel
	}
	return &AnthropicSummarizer{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		temperature: temperature,
		maxTokens:   1024,
	}
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, conversation string, maxLength int) (string, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildSummaryPrompt(conversation, maxLength))),
		},
		Temperature: anthropic.Float(s.temperature),
	})
	if err != nil {
		return "", gatewayError("anthropic summarize", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", gatewayError("anthropic summarize", errors.New("no text content returned"))
	}
	return strings.TrimSpace(text.String()), nil
}

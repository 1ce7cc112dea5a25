package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultOpenAIEmbedModel   = "text-embedding-3-small"
	DefaultOpenAISummaryModel = "gpt-4o-mini"
)

// OpenAIGateway serves embeddings and summaries from any OpenAI-compatible API.
type OpenAIGateway struct {
	client       openai.Client
	embedModel   string
	summaryModel string
	temperature  float64
}

func NewOpenAIGateway(apiKey, baseURL, embedModel, summaryModel string, temperature float64) *OpenAIGateway {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if strings.TrimSpace(embedModel) == "" || embedModel == DefaultEmbedModel {
		embedModel = DefaultOpenAIEmbedModel
	}
	if strings.TrimSpace(summaryModel) == "" || summaryModel == DefaultSummaryModel {
		summaryModel = DefaultOpenAISummaryModel
	}
	return &OpenAIGateway{
		client:       openai.NewClient(opts...),
		embedModel:   embedModel,
		summaryModel: summaryModel,
		temperature:  temperature,
	}
}

func (g *OpenAIGateway) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := g.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(g.embedModel),
	})
	if err != nil {
		return nil, gatewayError("openai embed", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, gatewayError("openai embed", errors.New("empty embedding"))
	}
	return resp.Data[0].Embedding, nil
}

func (g *OpenAIGateway) Summarize(ctx context.Context, conversation string, maxLength int) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(BuildSummaryPrompt(conversation, maxLength)),
		},
		Model:       openai.ChatModel(g.summaryModel),
		Temperature: openai.Float(g.temperature),
	})
	if err != nil {
		return "", gatewayError("openai summarize", err)
	}
	if len(resp.Choices) == 0 {
		return "", gatewayError("openai summarize", errors.New("no choices returned"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/memflow/memflow/config"
)

const extractSystemPrompt = `You extract structured memory content from user messages.
Respond with a single JSON object:
{"entities":[{"name":"","type":"","salience":0.0}],
"relationships":[{"subject":"","predicate":"","object":"","confidence":0.0}],
"importance":0.0,"summary":""}
Entity types: person, place, organization, concept, event, other.
Importance is 0-1: how much this message reveals about the user.
The summary is one sentence in third person.`

const patternSystemPrompt = `You detect recurring patterns across a user's memory summaries.
Respond with a single JSON object:
{"patterns":[{"content":"","category":"","confidence":0.0,"supporting_count":0,"reasoning":""}]}
Categories: identity, preference, relationship, behavioral, goal, constraint.
Only report patterns supported by multiple summaries. Confidence is 0-1.`

// OpenAIClient implements Embedder, Extractor, and PatternDetector
// against an OpenAI-compatible API.
type OpenAIClient struct {
	client          openai.Client
	completionModel string
	embeddingModel  string
	logger          *zap.Logger
}

// NewOpenAIClient creates a client from configuration. BaseURL may point
// at any OpenAI-compatible endpoint.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		client:          openai.NewClient(opts...),
		completionModel: cfg.CompletionModel,
		embeddingModel:  cfg.EmbeddingModel,
		logger:          logger.With(zap.String("component", "openai_client")),
	}
}

// Embed implements Embedder.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: embed returned no data", ErrUnavailable)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Extract implements Extractor.
func (c *OpenAIClient) Extract(ctx context.Context, text string) (*Extraction, error) {
	raw, err := c.complete(ctx, extractSystemPrompt, text)
	if err != nil {
		return nil, err
	}

	var out Extraction
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &out); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	if out.Importance < 0 {
		out.Importance = 0
	}
	if out.Importance > 1 {
		out.Importance = 1
	}
	return &out, nil
}

// DetectPatterns implements PatternDetector.
func (c *OpenAIClient) DetectPatterns(ctx context.Context, summaries []string) ([]Pattern, error) {
	var sb strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s)
	}

	raw, err := c.complete(ctx, patternSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var out struct {
		Patterns []Pattern `json:"patterns"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &out); err != nil {
		return nil, fmt.Errorf("parse pattern response: %w", err)
	}
	return out.Patterns, nil
}

func (c *OpenAIClient) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.completionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: completion: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: completion returned no choices", ErrUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

// stripCodeFence removes a surrounding markdown code fence, which some
// models add despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

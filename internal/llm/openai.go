package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to the OpenAI API (or any compatible endpoint) via
// the official community client. It serves both chat completions and the
// embedding calls used by the catalog index.
type OpenAIProvider struct {
	client         *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
}

// NewOpenAIProvider builds a provider for the given key and default models.
// An empty embeddingModel picks text-embedding-3-small; baseURL overrides
// the API endpoint when non-empty (Azure, proxies).
func NewOpenAIProvider(apiKey, model, embeddingModel, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	embModel := openai.SmallEmbedding3
	if embeddingModel != "" {
		embModel = openai.EmbeddingModel(embeddingModel)
	}
	return &OpenAIProvider{
		client:         openai.NewClientWithConfig(cfg),
		model:          model,
		embeddingModel: embModel,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Generate produces a completion for the message sequence.
func (p *OpenAIProvider) Generate(ctx context.Context, msgs []Message) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, p.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &TransientError{Provider: p.Name(), Err: errors.New("empty choices")}
	}
	return &Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Classify runs a single-shot classification with temperature zero so the
// label is stable across retries.
func (p *OpenAIProvider) Classify(ctx context.Context, system, input string) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0,
		MaxTokens:   16,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, p.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &TransientError{Provider: p.Name(), Err: errors.New("empty choices")}
	}
	return &Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Embed returns one vector per input text, in input order.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: p.embeddingModel,
		Input: texts,
	})
	if err != nil {
		return nil, p.wrap(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, &TransientError{
			Provider: p.Name(),
			Err:      fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data)),
		}
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Health performs a models listing as a cheap credential + connectivity probe.
func (p *OpenAIProvider) Health(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	if err != nil {
		return p.wrap(err)
	}
	return nil
}

// wrap classifies an API error as transient or permanent. Auth and request
// errors never resolve by retrying; everything else might.
func (p *OpenAIProvider) wrap(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusBadRequest:
			return &PermanentError{Provider: p.Name(), Err: err}
		}
	}
	return &TransientError{Provider: p.Name(), Err: err}
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const yandexBaseURL = "https://llm.api.cloud.yandex.net/foundationModels/v1"

// YandexProvider talks to the Yandex Foundation Models completion and
// embedding APIs over plain JSON/HTTP.
type YandexProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	folderID   string
	model      string
	embedModel string
}

// NewYandexProvider builds a provider for the given API key and folder.
// model defaults to "yandexgpt", embedModel to "text-search-doc".
func NewYandexProvider(apiKey, folderID, model, embedModel string) *YandexProvider {
	if model == "" {
		model = "yandexgpt"
	}
	if embedModel == "" {
		embedModel = "text-search-doc"
	}
	return &YandexProvider{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    yandexBaseURL,
		apiKey:     apiKey,
		folderID:   folderID,
		model:      model,
		embedModel: embedModel,
	}
}

func (p *YandexProvider) Name() string { return "yandex" }

// modelURI builds the gpt:// resource for completions.
func (p *YandexProvider) modelURI() string {
	return fmt.Sprintf("gpt://%s/%s/latest", p.folderID, p.model)
}

// embeddingURI builds the emb:// resource for document embeddings.
func (p *YandexProvider) embeddingURI() string {
	return fmt.Sprintf("emb://%s/%s/latest", p.folderID, p.embedModel)
}

type yandexMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type yandexCompletionRequest struct {
	ModelURI          string `json:"modelUri"`
	CompletionOptions struct {
		Stream      bool    `json:"stream"`
		Temperature float64 `json:"temperature"`
		MaxTokens   string  `json:"maxTokens"`
	} `json:"completionOptions"`
	Messages []yandexMessage `json:"messages"`
}

// Token counts arrive as JSON strings on this API.
type yandexCompletionResponse struct {
	Result struct {
		Alternatives []struct {
			Message yandexMessage `json:"message"`
			Status  string        `json:"status"`
		} `json:"alternatives"`
		Usage struct {
			InputTextTokens  string `json:"inputTextTokens"`
			CompletionTokens string `json:"completionTokens"`
			TotalTokens      string `json:"totalTokens"`
		} `json:"usage"`
		ModelVersion string `json:"modelVersion"`
	} `json:"result"`
}

type yandexEmbeddingRequest struct {
	ModelURI string `json:"modelUri"`
	Text     string `json:"text"`
}

type yandexEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	NumTokens string    `json:"numTokens"`
}

// Generate produces a completion for the message sequence.
func (p *YandexProvider) Generate(ctx context.Context, msgs []Message) (*Response, error) {
	return p.complete(ctx, msgs, 0.4, "2000")
}

// Classify runs a single-shot classification at temperature zero.
func (p *YandexProvider) Classify(ctx context.Context, system, input string) (*Response, error) {
	msgs := []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: input},
	}
	return p.complete(ctx, msgs, 0, "16")
}

func (p *YandexProvider) complete(ctx context.Context, msgs []Message, temperature float64, maxTokens string) (*Response, error) {
	req := yandexCompletionRequest{ModelURI: p.modelURI()}
	req.CompletionOptions.Stream = false
	req.CompletionOptions.Temperature = temperature
	req.CompletionOptions.MaxTokens = maxTokens
	for _, m := range msgs {
		req.Messages = append(req.Messages, yandexMessage{Role: m.Role, Text: m.Content})
	}

	var out yandexCompletionResponse
	if err := p.post(ctx, "/completion", req, &out); err != nil {
		return nil, err
	}
	if len(out.Result.Alternatives) == 0 {
		return nil, &TransientError{Provider: p.Name(), Err: errors.New("empty alternatives")}
	}
	return &Response{
		Content: out.Result.Alternatives[0].Message.Text,
		Model:   p.model,
		Usage: Usage{
			PromptTokens:     atoiSafe(out.Result.Usage.InputTextTokens),
			CompletionTokens: atoiSafe(out.Result.Usage.CompletionTokens),
			TotalTokens:      atoiSafe(out.Result.Usage.TotalTokens),
		},
	}, nil
}

// Embed returns one vector per input text. The API takes one text per call,
// so inputs are sent sequentially; ctx cancellation stops the loop.
func (p *YandexProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var resp yandexEmbeddingResponse
		err := p.post(ctx, "/textEmbedding", yandexEmbeddingRequest{
			ModelURI: p.embeddingURI(),
			Text:     text,
		}, &resp)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Embedding)
	}
	return out, nil
}

// Health sends a one-token completion as a credential probe.
func (p *YandexProvider) Health(ctx context.Context) error {
	_, err := p.complete(ctx, []Message{{Role: RoleUser, Content: "ping"}}, 0, "1")
	return err
}

func (p *YandexProvider) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &PermanentError{Provider: p.Name(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Provider: p.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Key "+p.apiKey)
	req.Header.Set("x-folder-id", p.folderID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransientError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransientError{Provider: p.Name(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound:
		return &PermanentError{
			Provider: p.Name(),
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 256)),
		}
	default:
		return &TransientError{
			Provider: p.Name(),
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 256)),
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &TransientError{Provider: p.Name(), Err: err}
	}
	return nil
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

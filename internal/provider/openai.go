package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/errs"
)

// OpenAIReasoner speaks the OpenAI-compatible chat completions protocol,
// which also covers local and proxy deployments.
type OpenAIReasoner struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func NewOpenAIReasoner(cfg config.ProviderConfig) *OpenAIReasoner {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	return &OpenAIReasoner{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:      cfg.Model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *OpenAIReasoner) Complete(ctx context.Context, system, prompt string) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", errs.New(errs.KindValidation, "missing reasoner api key")
	}
	if c.baseURL == "" {
		return "", errs.New(errs.KindValidation, "missing reasoner base url")
	}
	if c.model == "" {
		return "", errs.New(errs.KindValidation, "missing reasoner model")
	}

	messages := []map[string]string{}
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  c.maxTokens,
		"temperature": 0.3,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindUnavailable, "reasoner request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}

// OpenAIEmbedder calls the OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	batchSize  int
	httpClient *http.Client
}

const defaultEmbedBatchSize = 64

func NewOpenAIEmbedder(cfg config.ProviderConfig) *OpenAIEmbedder {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = config.DefaultEmbedDimensions
	}
	return &OpenAIEmbedder{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:      cfg.Model,
		dimensions: dims,
		batchSize:  defaultEmbedBatchSize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *OpenAIEmbedder) Dimensions() int { return c.dimensions }

func (c *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errs.New(errs.KindValidation, "embed: empty text")
	}
	vectors, err := c.requestEmbeddings(ctx, trimmed, 1)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

func (c *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errs.New(errs.KindValidation, "embed batch: empty texts")
	}
	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, errs.Newf(errs.KindValidation, "embed batch: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += c.batchSize {
		end := start + c.batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		chunk, err := c.requestEmbeddings(ctx, normalized[start:end], end-start)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (c *OpenAIEmbedder) requestEmbeddings(ctx context.Context, input any, expectedCount int) ([][]float32, error) {
	if c.baseURL == "" {
		return nil, errs.New(errs.KindValidation, "missing embedding base url")
	}
	if c.model == "" {
		return nil, errs.New(errs.KindValidation, "missing embedding model")
	}

	payload, err := json.Marshal(map[string]any{"model": c.model, "input": input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "embedding request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var decoded struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) != expectedCount {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(decoded.Data), expectedCount)
	}

	vectors := make([][]float32, expectedCount)
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= expectedCount {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}
		copied := make([]float32, len(item.Embedding))
		copy(copied, item.Embedding)
		vectors[item.Index] = copied
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("missing embedding index %d", i)
		}
	}
	return vectors, nil
}

// classifyStatus maps HTTP status to the error taxonomy so the retry layer
// knows what is transient.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return errs.Newf(errs.KindOverloaded, "provider http 429: %s", strings.TrimSpace(string(body)))
	case status >= 500:
		return errs.Newf(errs.KindUnavailable, "provider http %d: %s", status, strings.TrimSpace(string(body)))
	default:
		return errs.Newf(errs.KindInternal, "provider http %d: %s", status, strings.TrimSpace(string(body)))
	}
}

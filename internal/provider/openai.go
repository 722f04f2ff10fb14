package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rinadelph/agent-mcp/internal/policy"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultEmbedModel    = "text-embedding-3-small"
	defaultChatModel     = "gpt-4o-mini"
	maxAPIAttempts       = 3
)

// openAI talks to any OpenAI-compatible endpoint (the cloud API or a local
// server exposing the same routes).
type openAI struct {
	name       string
	model      string
	chatModel  string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newOpenAI(cfg policy.EmbeddingConfig) (Provider, error) {
	p := &openAI{
		name:       cfg.Provider,
		model:      cfg.Model,
		chatModel:  cfg.ChatModel,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	if p.name == "" {
		p.name = "cloud_default"
	}
	if p.model == "" {
		p.model = defaultEmbedModel
	}
	if p.chatModel == "" {
		p.chatModel = defaultChatModel
	}
	if p.baseURL == "" {
		p.baseURL = defaultOpenAIBaseURL
	}
	return p, nil
}

func (p *openAI) Name() string { return p.name }

// NativeDim matches text-embedding-3-small.
func (p *openAI) NativeDim() int { return 1536 }

// Available requires an API key; the endpoint itself is only probed by use.
func (p *openAI) Available(ctx context.Context) bool {
	return p.apiKey != "" || p.baseURL != defaultOpenAIBaseURL
}

// WarmUp embeds a short probe text so the first real call hits a warm path.
func (p *openAI) WarmUp(ctx context.Context) error {
	_, err := p.Embed(ctx, []string{"warmup"})
	return err
}

func (p *openAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var vectors [][]float32
	err := p.withRetry(ctx, func() error {
		var err error
		vectors, err = p.embedOnce(ctx, texts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	return vectors, nil
}

func (p *openAI) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	err := p.post(ctx, "/embeddings", map[string]any{
		"model": p.model,
		"input": texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return vectors, nil
}

func (p *openAI) Chat(ctx context.Context, messages []Message, model string) (string, error) {
	if model == "" {
		model = p.chatModel
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	err := p.withRetry(ctx, func() error {
		return p.post(ctx, "/chat/completions", map[string]any{
			"model":    model,
			"messages": messages,
		}, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *openAI) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAPIAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < maxAPIAttempts-1 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func (p *openAI) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

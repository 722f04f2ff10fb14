package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rinadelph/agent-mcp/internal/policy"
)

const (
	defaultOllamaBaseURL   = "http://localhost:11434"
	defaultOllamaModel     = "nomic-embed-text"
	defaultOllamaChatModel = "llama3.1"
	// nomic-embed-text native width.
	ollamaNativeDim = 768
)

// ollama talks to a local Ollama server.
type ollama struct {
	model      string
	chatModel  string
	baseURL    string
	httpClient *http.Client
}

func newOllama(cfg policy.EmbeddingConfig) (Provider, error) {
	p := &ollama{
		model:      cfg.Model,
		chatModel:  cfg.ChatModel,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	if p.model == "" {
		p.model = defaultOllamaModel
	}
	if p.chatModel == "" {
		p.chatModel = defaultOllamaChatModel
	}
	if p.baseURL == "" {
		p.baseURL = defaultOllamaBaseURL
	}
	return p, nil
}

func (p *ollama) Name() string   { return "ollama" }
func (p *ollama) NativeDim() int { return ollamaNativeDim }

// Available pings the server root with a short deadline.
func (p *ollama) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WarmUp issues one embedding so the model is loaded into memory.
func (p *ollama) WarmUp(ctx context.Context) error {
	_, err := p.Embed(ctx, []string{"warmup"})
	return err
}

func (p *ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := p.post(ctx, "/api/embed", map[string]any{
		"model": p.model,
		"input": texts,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (p *ollama) Chat(ctx context.Context, messages []Message, model string) (string, error) {
	if model == "" {
		model = p.chatModel
	}
	var resp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	err := p.post(ctx, "/api/chat", map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return resp.Message.Content, nil
}

func (p *ollama) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

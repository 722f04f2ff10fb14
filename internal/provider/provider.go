// Package provider abstracts the embedding and chat backends. Every concrete
// provider declares its native embedding width; the adapter normalizes all
// vectors to one target width so the embedding table keeps a uniform schema.
package provider

import (
	"context"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the embedding + chat backend contract.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	WarmUp(ctx context.Context) error
	// Embed returns one vector per input text, in input order, at the
	// provider's native dimension.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Chat sends messages and returns the assistant text. model may be
	// empty, in which case the provider's configured chat model is used.
	Chat(ctx context.Context, messages []Message, model string) (string, error)
	NativeDim() int
}

// NormalizeDim pads a short vector with zeros or truncates a long one so the
// result has exactly dim entries.
func NormalizeDim(v []float32, dim int) []float32 {
	if len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}

// factories maps provider names to constructors. New variants register here.
var factories = map[string]func(cfg policy.EmbeddingConfig) (Provider, error){
	"cloud_default":     newOpenAI,
	"openai_compatible": newOpenAI,
	"ollama":            newOllama,
}

// build constructs one named provider.
func build(name string, cfg policy.EmbeddingConfig) (Provider, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return f(cfg)
}

const embedCacheSize = 10000

// Chain tries an ordered list of providers. The first available one serves
// a call; a transient failure moves on to the next. Embeddings are cached
// per text and always returned at the target width.
type Chain struct {
	providers []Provider
	targetDim int
	cache     *lru.Cache[string, []float32]
	logger    *log.Logger
}

// NewChain builds the primary provider plus its fallbacks from config.
func NewChain(cfg policy.EmbeddingConfig, logger *log.Logger) (*Chain, error) {
	names := append([]string{cfg.Provider}, cfg.Fallbacks...)
	var providers []Provider
	for _, name := range names {
		p, err := build(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("build provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}
	cache, err := lru.New[string, []float32](embedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embed cache: %w", err)
	}
	return &Chain{providers: providers, targetDim: cfg.TargetDim, cache: cache, logger: logger}, nil
}

// NewChainOf wraps pre-built providers. Used by tests.
func NewChainOf(targetDim int, logger *log.Logger, providers ...Provider) (*Chain, error) {
	cache, err := lru.New[string, []float32](embedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Chain{providers: providers, targetDim: targetDim, cache: cache, logger: logger}, nil
}

// TargetDim is the uniform vector width every caller sees.
func (c *Chain) TargetDim() int { return c.targetDim }

// WarmUp warms the first available provider. Failure is reported, not fatal.
func (c *Chain) WarmUp(ctx context.Context) error {
	for _, p := range c.providers {
		if p.Available(ctx) {
			return p.WarmUp(ctx)
		}
	}
	return domain.ProviderUnavailable("no embedding provider available")
}

// Available reports whether any provider in the chain responds.
func (c *Chain) Available(ctx context.Context) bool {
	for _, p := range c.providers {
		if p.Available(ctx) {
			return true
		}
	}
	return false
}

// Embed returns one normalized vector per text, consulting the cache first.
func (c *Chain) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			results[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vectors, err := c.call(ctx, func(ctx context.Context, p Provider) ([][]float32, error) {
		return p.Embed(ctx, missTexts)
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, domain.ProviderUnavailable("provider returned %d vectors for %d texts", len(vectors), len(missTexts))
	}
	for j, idx := range missIdx {
		v := NormalizeDim(vectors[j], c.targetDim)
		c.cache.Add(missTexts[j], v)
		results[idx] = v
	}
	return results, nil
}

// EmbedOne embeds a single text.
func (c *Chain) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// Chat sends a chat request through the chain.
func (c *Chain) Chat(ctx context.Context, messages []Message, model string) (string, error) {
	var answer string
	_, err := c.call(ctx, func(ctx context.Context, p Provider) ([][]float32, error) {
		a, err := p.Chat(ctx, messages, model)
		if err != nil {
			return nil, err
		}
		answer = a
		return nil, nil
	})
	return answer, err
}

// call walks the chain: skip unavailable providers, fall through on error.
func (c *Chain) call(ctx context.Context, fn func(context.Context, Provider) ([][]float32, error)) ([][]float32, error) {
	var lastErr error
	for _, p := range c.providers {
		if ctx.Err() != nil {
			return nil, domain.Cancelled("provider call cancelled")
		}
		if !p.Available(ctx) {
			continue
		}
		out, err := fn(ctx, p)
		if err == nil {
			return out, nil
		}
		if domain.IsCode(err, domain.CodeCancelled) {
			return nil, err
		}
		c.logger.Printf("provider %s failed, trying next: %v", p.Name(), err)
		lastErr = err
	}
	if lastErr != nil {
		return nil, domain.ProviderUnavailable("all providers failed: %v", lastErr)
	}
	return nil, domain.ProviderUnavailable("no embedding provider available")
}

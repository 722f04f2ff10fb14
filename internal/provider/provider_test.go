package provider

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

// fakeProvider scripts availability and embed/chat outcomes.
type fakeProvider struct {
	name      string
	available bool
	dim       int
	embedErr  error
	chatText  string
	chatErr   error
	embeds    int
	chats     int
}

func (f *fakeProvider) Name() string                       { return f.name }
func (f *fakeProvider) Available(context.Context) bool     { return f.available }
func (f *fakeProvider) WarmUp(context.Context) error       { return nil }
func (f *fakeProvider) NativeDim() int                     { return f.dim }

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.embeds++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32(len(texts[i]))
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) Chat(context.Context, []Message, string) (string, error) {
	f.chats++
	return f.chatText, f.chatErr
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNormalizeDim(t *testing.T) {
	short := NormalizeDim([]float32{1, 2}, 4)
	if len(short) != 4 || short[0] != 1 || short[3] != 0 {
		t.Errorf("pad: got %v", short)
	}
	long := NormalizeDim([]float32{1, 2, 3, 4, 5}, 3)
	if len(long) != 3 || long[2] != 3 {
		t.Errorf("truncate: got %v", long)
	}
	same := []float32{1, 2, 3}
	if got := NormalizeDim(same, 3); &got[0] != &same[0] {
		t.Error("exact width should not reallocate")
	}
}

func TestChain_normalizesAndCaches(t *testing.T) {
	p := &fakeProvider{name: "p", available: true, dim: 3}
	c, err := NewChainOf(5, testLogger(), p)
	if err != nil {
		t.Fatalf("NewChainOf: %v", err)
	}
	v, err := c.EmbedOne(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if len(v) != 5 {
		t.Errorf("vector width = %d, want 5", len(v))
	}
	if _, err := c.EmbedOne(context.Background(), "hello"); err != nil {
		t.Fatalf("EmbedOne cached: %v", err)
	}
	if p.embeds != 1 {
		t.Errorf("provider calls = %d, want 1 (second hit from cache)", p.embeds)
	}
}

func TestChain_fallsThroughOnError(t *testing.T) {
	bad := &fakeProvider{name: "bad", available: true, dim: 3, embedErr: errors.New("boom")}
	good := &fakeProvider{name: "good", available: true, dim: 3}
	c, err := NewChainOf(3, testLogger(), bad, good)
	if err != nil {
		t.Fatalf("NewChainOf: %v", err)
	}
	if _, err := c.EmbedOne(context.Background(), "x"); err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if bad.embeds != 1 || good.embeds != 1 {
		t.Errorf("calls = bad %d / good %d, want 1 / 1", bad.embeds, good.embeds)
	}
}

func TestChain_skipsUnavailable(t *testing.T) {
	off := &fakeProvider{name: "off", available: false, dim: 3}
	on := &fakeProvider{name: "on", available: true, dim: 3, chatText: "hi"}
	c, err := NewChainOf(3, testLogger(), off, on)
	if err != nil {
		t.Fatalf("NewChainOf: %v", err)
	}
	text, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "q"}}, "")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if text != "hi" || off.chats != 0 {
		t.Errorf("text = %q, off calls = %d", text, off.chats)
	}
}

func TestChain_allDown(t *testing.T) {
	off := &fakeProvider{name: "off", available: false, dim: 3}
	c, err := NewChainOf(3, testLogger(), off)
	if err != nil {
		t.Fatalf("NewChainOf: %v", err)
	}
	_, err = c.EmbedOne(context.Background(), "x")
	if !domain.IsCode(err, domain.CodeProviderUnavailable) {
		t.Errorf("error = %v, want provider_unavailable", err)
	}
}

func TestChain_cancelledStopsChain(t *testing.T) {
	p := &fakeProvider{name: "p", available: true, dim: 3}
	c, err := NewChainOf(3, testLogger(), p)
	if err != nil {
		t.Fatalf("NewChainOf: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.EmbedOne(ctx, "x")
	if !domain.IsCode(err, domain.CodeCancelled) {
		t.Errorf("error = %v, want cancelled", err)
	}
	if p.embeds != 0 {
		t.Errorf("provider called %d times after cancellation", p.embeds)
	}
}

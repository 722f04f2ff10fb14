package knowledge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
	"github.com/rinadelph/agent-mcp/internal/provider"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

const (
	liveContextLimit = 5
	keywordTaskLimit = 5
	truncationMarker = "[context truncated]"

	systemPrompt = "You are a project knowledge assistant. Answer only from " +
		"the supplied context. If the context does not contain the answer, " +
		"say so explicitly."
)

// Stats describes one retrieval, including the degraded-mode flags.
type Stats struct {
	VSSAvailable      bool `json:"vss_available"`
	VectorSearchCount int  `json:"vector_search_count"`
	LiveContextCount  int  `json:"live_context_count"`
	KeywordTaskCount  int  `json:"keyword_task_count"`
	Truncated         bool `json:"truncated"`
	ApproxTokens      int  `json:"approx_tokens"`
}

// Answer is the retriever output.
type Answer struct {
	Text    string         `json:"text"`
	Context string         `json:"context"`
	Chunks  []*domain.Chunk `json:"chunks,omitempty"`
	Stats   Stats          `json:"stats"`
}

// Options tune one retrieval. Zero values take the configured defaults.
type Options struct {
	K      int
	Budget int // max context tokens
	Model  string
}

// Retriever merges live context, keyword task matches and vector hits under
// a token budget and asks the chat provider to answer from them.
type Retriever struct {
	store  *sqlite.Store
	pol    *policy.Policy
	chain  *provider.Chain
	index  *VectorIndex
	logger *log.Logger
}

func NewRetriever(store *sqlite.Store, pol *policy.Policy, chain *provider.Chain, index *VectorIndex, logger *log.Logger) *Retriever {
	return &Retriever{store: store, pol: pol, chain: chain, index: index, logger: logger}
}

// Answer runs the three lookups, merges them and generates the reply.
func (r *Retriever) Answer(ctx context.Context, query string, opts Options) (*Answer, error) {
	cfg := r.pol.Retrieval()
	if opts.K <= 0 {
		opts.K = cfg.K
	}
	if opts.Budget <= 0 {
		opts.Budget = cfg.MaxContextTokens
	}

	a := &Answer{Stats: Stats{VSSAvailable: r.index.Available()}}

	entries, err := r.liveContext()
	if err != nil {
		return nil, err
	}
	a.Stats.LiveContextCount = len(entries)

	tasks, err := r.keywordTasks(query)
	if err != nil {
		return nil, err
	}
	a.Stats.KeywordTaskCount = len(tasks)

	var chunks []*domain.Chunk
	if r.index.Available() {
		chunks, err = r.vectorChunks(ctx, query, opts.K)
		if err != nil {
			// provider trouble degrades to keyword-only, anything else surfaces
			if !domain.IsCode(err, domain.CodeProviderUnavailable) {
				return nil, err
			}
			r.logger.Printf("vector lookup degraded: %v", err)
			a.Stats.VSSAvailable = false
		}
	}
	a.Stats.VectorSearchCount = len(chunks)
	a.Chunks = chunks

	a.Context, a.Stats.Truncated = merge(entries, tasks, chunks, opts.Budget)
	a.Stats.ApproxTokens = approxTokens(a.Context)

	text, err := r.chain.Chat(ctx, []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Context:\n" + a.Context + "\n\nQuestion: " + query},
	}, opts.Model)
	if err != nil {
		return nil, err
	}
	a.Text = text
	return a, nil
}

// AnswerWithModel is the reduced-cost variant for internal planning calls.
func (r *Retriever) AnswerWithModel(ctx context.Context, query, model string, budget int) (*Answer, error) {
	return r.Answer(ctx, query, Options{Model: model, Budget: budget})
}

func (r *Retriever) liveContext() ([]*domain.ContextEntry, error) {
	var since time.Time
	if v, err := r.store.GetIndexMeta("last_indexed_" + domain.SourceContext); err != nil {
		return nil, err
	} else if v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			since = t
		}
	}
	return r.store.ContextUpdatedAfter(since, liveContextLimit)
}

func (r *Retriever) keywordTasks(query string) ([]*domain.Task, error) {
	var patterns []string
	for _, w := range strings.Fields(query) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 2 {
			patterns = append(patterns, "%"+w+"%")
		}
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	return r.store.KeywordTasks(patterns, keywordTaskLimit)
}

func (r *Retriever) vectorChunks(ctx context.Context, query string, k int) ([]*domain.Chunk, error) {
	vec, err := r.chain.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.index.Query(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	var chunks []*domain.Chunk
	for _, h := range hits {
		c, err := r.store.GetChunk(h.ChunkID)
		if err != nil {
			if domain.IsCode(err, domain.CodeNotFound) {
				continue
			}
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// merge concatenates the three sections under the token budget, in fixed
// order with source headers. Returns the merged text and whether anything
// was cut.
func merge(entries []*domain.ContextEntry, tasks []*domain.Task, chunks []*domain.Chunk, budget int) (string, bool) {
	var b strings.Builder
	truncated := false

	appendPart := func(part string) bool {
		if approxTokens(b.String())+approxTokens(part) > budget {
			truncated = true
			return false
		}
		b.WriteString(part)
		return true
	}

	if len(entries) > 0 && appendPart("## Live project context\n") {
		for _, e := range entries {
			part := fmt.Sprintf("- %s: %s (%s)\n", e.Key, string(e.Value), e.Description)
			if !appendPart(part) {
				break
			}
		}
	}
	if len(tasks) > 0 && !truncated && appendPart("\n## Related tasks\n") {
		for _, t := range tasks {
			part := fmt.Sprintf("- [%s] %s (%s): %s\n", t.ID, t.Title, t.Status, t.Description)
			if !appendPart(part) {
				break
			}
		}
	}
	if len(chunks) > 0 && !truncated && appendPart("\n## Retrieved knowledge\n") {
		for _, c := range chunks {
			part := fmt.Sprintf("### %s:%s\n%s\n", c.SourceType, c.SourceRef, c.Text)
			if !appendPart(part) {
				break
			}
		}
	}
	if truncated {
		b.WriteString("\n")
		b.WriteString(truncationMarker)
	}
	return b.String(), truncated
}

// approxTokens is the cheap chars-to-tokens proxy used for budget math.
func approxTokens(s string) int {
	return len(s) / 4
}

package knowledge

import (
	"context"
	"database/sql"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
	"github.com/rinadelph/agent-mcp/internal/provider"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// countingProvider hands out deterministic vectors and counts embed calls.
type countingProvider struct {
	dim    int
	embeds int
}

func (p *countingProvider) Name() string                   { return "counting" }
func (p *countingProvider) Available(context.Context) bool { return true }
func (p *countingProvider) WarmUp(context.Context) error   { return nil }
func (p *countingProvider) NativeDim() int                 { return p.dim }

func (p *countingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.embeds++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, p.dim)
		for j, r := range text {
			v[j%p.dim] += float32(r)
		}
		out[i] = v
	}
	return out, nil
}

func (p *countingProvider) Chat(context.Context, []provider.Message, string) (string, error) {
	return "ok", nil
}

type testEnv struct {
	store   *sqlite.Store
	pol     *policy.Policy
	chain   *provider.Chain
	index   *VectorIndex
	indexer *Indexer
	prov    *countingProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := policy.DefaultConfig()
	cfg.ProjectDir = dir
	cfg.Embedding.TargetDim = 8
	pol := policy.New(cfg)

	store, err := sqlite.Open(pol.StateFile())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	prov := &countingProvider{dim: 8}
	chain, err := provider.NewChainOf(8, testLogger(), prov)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	index := OpenVectorIndex(pol.VectorIndexFile(), store, testLogger())
	return &testEnv{
		store:   store,
		pol:     pol,
		chain:   chain,
		index:   index,
		indexer: NewIndexer(store, pol, chain, index, testLogger()),
		prov:    prov,
	}
}

func writeProjectFile(t *testing.T, env *testEnv, name, body string) {
	t.Helper()
	path := filepath.Join(env.pol.ProjectDir(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCycle_indexesMarkdown(t *testing.T) {
	env := newTestEnv(t)
	writeProjectFile(t, env, "README.md", "# Project\n\nThe server stores orchestration state in one database.")

	if err := env.indexer.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	counts, err := env.store.CountChunksByType()
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.SourceMarkdown] == 0 {
		t.Fatalf("no markdown chunks after a cycle: %v", counts)
	}
	if env.index.Count() != counts[domain.SourceMarkdown] {
		t.Errorf("vector count %d != chunk count %d", env.index.Count(), counts[domain.SourceMarkdown])
	}

	status, err := env.indexer.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.LastIndexed[domain.SourceMarkdown] == "" {
		t.Error("last_indexed watermark not written")
	}
	if hash, err := env.store.GetIndexMeta("hash_markdown_README.md"); err != nil || hash == "" {
		t.Errorf("content hash meta row = %q, %v", hash, err)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q", status.LastError)
	}
}

func TestCycle_idempotent(t *testing.T) {
	env := newTestEnv(t)
	writeProjectFile(t, env, "notes.md", "Deployment notes: the worker command is configurable.")

	if err := env.indexer.Cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	before, err := env.store.CountChunksByType()
	if err != nil {
		t.Fatal(err)
	}
	embedsBefore := env.prov.embeds

	if err := env.indexer.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	after, err := env.store.CountChunksByType()
	if err != nil {
		t.Fatal(err)
	}
	if after[domain.SourceMarkdown] != before[domain.SourceMarkdown] {
		t.Errorf("chunk count changed on an unchanged tree: %d -> %d", before[domain.SourceMarkdown], after[domain.SourceMarkdown])
	}
	if env.prov.embeds != embedsBefore {
		t.Errorf("unchanged source re-embedded: %d -> %d calls", embedsBefore, env.prov.embeds)
	}
}

func TestCycle_reindexesChangedFile(t *testing.T) {
	env := newTestEnv(t)
	writeProjectFile(t, env, "doc.md", "version one of the document")
	if err := env.indexer.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	writeProjectFile(t, env, "doc.md", "version two of the document, now with more words in it")
	if err := env.indexer.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	// old chunks for the source are replaced, not accumulated
	n, err := env.store.CountChunksForSource(domain.SourceMarkdown, "doc.md")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("chunks for doc.md = %d, want 1", n)
	}
	orphans, err := env.store.OrphanEmbeddings()
	if err != nil || len(orphans) != 0 {
		t.Errorf("unpaired rows after reindex: %v (%v)", orphans, err)
	}
}

func TestCycle_skipsCodeWithoutAdvancedFlag(t *testing.T) {
	env := newTestEnv(t)
	writeProjectFile(t, env, "main.go", "package main\n\nfunc main() {}\n")

	if err := env.indexer.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	counts, err := env.store.CountChunksByType()
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.SourceCode] != 0 {
		t.Errorf("code indexed with advanced_code disabled: %v", counts)
	}
}

func TestCycle_indexesContextAndTasks(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	err := env.store.Write(func(tx *sql.Tx) error {
		if err := env.store.UpsertContext(tx, &domain.ContextEntry{
			Key: "deploy_target", Value: []byte(`"staging"`), UpdatedBy: "admin", LastUpdated: now,
		}); err != nil {
			return err
		}
		return env.store.InsertTask(tx, &domain.Task{
			ID: "task_1", Title: "Wire the retriever", Description: "merge context sources",
			CreatedBy: "admin", Status: domain.TaskPending, Priority: domain.PriorityMedium,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := env.indexer.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	counts, err := env.store.CountChunksByType()
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.SourceContext] == 0 || counts[domain.SourceTask] == 0 {
		t.Errorf("context/task sources not indexed: %v", counts)
	}
}

package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
	"github.com/rinadelph/agent-mcp/internal/provider"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

const (
	warmUpDelay = 10 * time.Second
	// sources per embedding batch, bounds provider payloads and memory
	batchSize = 10
	// files larger than this are skipped
	maxSourceBytes = 1 << 20
)

var markdownExts = map[string]bool{".md": true, ".markdown": true, ".mdx": true}

var codeExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".jsx": true, ".java": true, ".rs": true, ".rb": true, ".c": true,
	".h": true, ".cpp": true, ".sh": true, ".sql": true, ".yaml": true,
	".yml": true, ".toml": true,
}

// ProgressFunc receives cycle progress, stage is the source type being
// embedded.
type ProgressFunc func(stage string, done, total int)

// source is one unit of (re)indexable content.
type source struct {
	typ  string
	ref  string
	text string
}

// Status is a snapshot for get_rag_status.
type Status struct {
	Enabled      bool              `json:"enabled"`
	Running      bool              `json:"running"`
	LastRun      time.Time         `json:"last_run,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	ChunksByType map[string]int    `json:"chunks_by_type"`
	VectorCount  int               `json:"vector_count"`
	VSSAvailable bool              `json:"vss_available"`
	LastIndexed  map[string]string `json:"last_indexed"`
}

// Indexer scans markdown/code files, context entries and tasks on a timer,
// chunks and embeds what changed, and keeps chunk and embedding rows paired.
// At most one cycle runs at a time; extra requests coalesce.
type Indexer struct {
	store    *sqlite.Store
	pol      *policy.Policy
	chain    *provider.Chain
	index    *VectorIndex
	logger   *log.Logger
	requests chan struct{}

	mu       sync.Mutex
	progress ProgressFunc
	running  bool
	lastRun  time.Time
	lastErr  string
}

func NewIndexer(store *sqlite.Store, pol *policy.Policy, chain *provider.Chain, index *VectorIndex, logger *log.Logger) *Indexer {
	return &Indexer{
		store:    store,
		pol:      pol,
		chain:    chain,
		index:    index,
		logger:   logger,
		requests: make(chan struct{}, 1),
	}
}

// SetProgress installs the progress sink. Safe to call before Run.
func (ix *Indexer) SetProgress(fn ProgressFunc) {
	ix.mu.Lock()
	ix.progress = fn
	ix.mu.Unlock()
}

// RequestCycle asks for an early cycle. Dropped if one is already queued.
func (ix *Indexer) RequestCycle() {
	select {
	case ix.requests <- struct{}{}:
	default:
	}
}

// Run drives the periodic cycle until ctx is done. A file watcher nudges
// early cycles; the timer remains authoritative.
func (ix *Indexer) Run(ctx context.Context) {
	cfg := ix.pol.Indexing()
	if !cfg.Enabled {
		ix.logger.Printf("indexer disabled by config")
		return
	}
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}

	go ix.watch(ctx)

	select {
	case <-time.After(warmUpDelay):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ix.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-ix.requests:
		}
	}
}

// watch feeds file events into RequestCycle. Best-effort: a watcher failure
// leaves the timer-driven path intact.
func (ix *Indexer) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		ix.logger.Printf("Warning: file watcher unavailable: %v", err)
		return
	}
	defer w.Close()

	deny := policy.IndexDenylist()
	root := ix.pol.ProjectDir()
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if deny[d.Name()] && path != root {
			return filepath.SkipDir
		}
		_ = w.Add(path)
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && !deny[filepath.Base(ev.Name)] {
					_ = w.Add(ev.Name)
				}
			}
			ix.RequestCycle()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			ix.logger.Printf("file watcher error: %v", err)
		}
	}
}

// Cycle runs one indexing pass synchronously. Exported for tools and tests.
func (ix *Indexer) Cycle(ctx context.Context) error {
	return ix.cycle(ctx)
}

func (ix *Indexer) cycle(ctx context.Context) error {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return nil
	}
	ix.running = true
	progress := ix.progress
	ix.mu.Unlock()

	start := time.Now().UTC()
	err := ix.runCycle(ctx, start, progress)

	ix.mu.Lock()
	ix.running = false
	ix.lastRun = start
	ix.lastErr = ""
	if err != nil {
		ix.lastErr = err.Error()
	}
	ix.mu.Unlock()

	if err != nil && !domain.IsCode(err, domain.CodeCancelled) {
		ix.logger.Printf("index cycle failed: %v", err)
	}
	return err
}

func (ix *Indexer) runCycle(ctx context.Context, start time.Time, progress ProgressFunc) error {
	sources, err := ix.collect(ctx, start)
	if err != nil {
		return err
	}
	changed, err := ix.filterUnchanged(sources)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		ix.logger.Printf("indexing %d changed sources", len(changed))
	}

	cfg := ix.pol.Indexing()
	for off := 0; off < len(changed); off += batchSize {
		if ctx.Err() != nil {
			return domain.Cancelled("index cycle cancelled")
		}
		end := off + batchSize
		if end > len(changed) {
			end = len(changed)
		}
		if err := ix.indexBatch(ctx, changed[off:end], cfg, start); err != nil {
			return err
		}
		if progress != nil {
			progress(changed[off].typ, end, len(changed))
		}
	}

	return ix.store.Write(func(tx *sql.Tx) error {
		stamp := start.Format(time.RFC3339Nano)
		for _, typ := range []string{domain.SourceMarkdown, domain.SourceCode, domain.SourceContext, domain.SourceTask} {
			if err := ix.store.SetIndexMeta(tx, "last_indexed_"+typ, stamp); err != nil {
				return err
			}
		}
		return nil
	})
}

// indexBatch re-embeds one batch of sources and swaps their chunks in one
// transaction per the chunk/embedding pairing rule.
func (ix *Indexer) indexBatch(ctx context.Context, batch []source, cfg policy.IndexingConfig, now time.Time) error {
	type pending struct {
		src    source
		chunks []string
	}
	var all []pending
	var texts []string
	for _, src := range batch {
		chunks := Chunks(src.text, cfg.ChunkWindow, cfg.ChunkOverlap)
		all = append(all, pending{src: src, chunks: chunks})
		texts = append(texts, chunks...)
	}
	if len(texts) == 0 {
		return nil
	}
	vectors, err := ix.chain.Embed(ctx, texts)
	if err != nil {
		return err
	}

	var removed []int64
	type added struct {
		id     int64
		text   string
		vector []float32
	}
	var inserted []added
	err = ix.store.Write(func(tx *sql.Tx) error {
		removed = removed[:0]
		inserted = inserted[:0]
		vi := 0
		for _, p := range all {
			ids, err := ix.store.DeleteChunksForSource(tx, p.src.typ, p.src.ref)
			if err != nil {
				return err
			}
			removed = append(removed, ids...)
			for _, text := range p.chunks {
				c := &domain.Chunk{
					SourceType: p.src.typ,
					SourceRef:  p.src.ref,
					Text:       text,
					IndexedAt:  now,
				}
				id, err := ix.store.InsertChunk(tx, c, vectors[vi])
				if err != nil {
					return err
				}
				inserted = append(inserted, added{id: id, text: text, vector: vectors[vi]})
				vi++
			}
			if err := ix.store.SetIndexMeta(tx, hashKey(p.src), contentHash(p.src.text)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := ix.index.Remove(ctx, removed); err != nil {
		ix.logger.Printf("Warning: vector index remove failed: %v", err)
	}
	for _, a := range inserted {
		if err := ix.index.Add(ctx, a.id, a.text, a.vector); err != nil {
			ix.logger.Printf("Warning: vector index add failed: %v", err)
			break
		}
	}
	return nil
}

// collect enumerates candidate sources updated since the last cycle.
func (ix *Indexer) collect(ctx context.Context, now time.Time) ([]source, error) {
	var out []source

	files, err := ix.collectFiles()
	if err != nil {
		return nil, err
	}
	out = append(out, files...)

	lastCtx, err := ix.lastIndexed(domain.SourceContext)
	if err != nil {
		return nil, err
	}
	entries, err := ix.store.ContextUpdatedAfter(lastCtx, 200)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out = append(out, source{typ: domain.SourceContext, ref: e.Key, text: contextText(e)})
	}

	lastTask, err := ix.lastIndexed(domain.SourceTask)
	if err != nil {
		return nil, err
	}
	tasks, err := ix.store.TasksUpdatedAfter(lastTask, 200)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		out = append(out, source{typ: domain.SourceTask, ref: t.ID, text: taskText(t)})
	}
	return out, ctx.Err()
}

func (ix *Indexer) collectFiles() ([]source, error) {
	cfg := ix.pol.Indexing()
	deny := policy.IndexDenylist()
	root := ix.pol.ProjectDir()

	lastMD, err := ix.lastIndexed(domain.SourceMarkdown)
	if err != nil {
		return nil, err
	}
	lastCode, err := ix.lastIndexed(domain.SourceCode)
	if err != nil {
		return nil, err
	}

	var out []source
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if deny[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		var typ string
		var since time.Time
		switch {
		case markdownExts[ext]:
			typ, since = domain.SourceMarkdown, lastMD
		case cfg.AdvancedCode && codeExts[ext]:
			typ, since = domain.SourceCode, lastCode
		default:
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.Size() > maxSourceBytes {
			return nil
		}
		if !since.IsZero() && !fi.ModTime().After(since) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		out = append(out, source{typ: typ, ref: rel, text: string(data)})
		return nil
	})
	return out, walkErr
}

// filterUnchanged drops sources whose content hash matches the stored one.
func (ix *Indexer) filterUnchanged(sources []source) ([]source, error) {
	var out []source
	for _, src := range sources {
		stored, err := ix.store.GetIndexMeta(hashKey(src))
		if err != nil {
			return nil, err
		}
		if stored != "" && stored == contentHash(src.text) {
			continue
		}
		out = append(out, src)
	}
	return out, nil
}

func (ix *Indexer) lastIndexed(typ string) (time.Time, error) {
	v, err := ix.store.GetIndexMeta("last_indexed_" + typ)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		// treat a corrupt stamp as never-indexed
		return time.Time{}, nil
	}
	return t, nil
}

// Status reports the indexer and vector index state.
func (ix *Indexer) Status() (*Status, error) {
	counts, err := ix.store.CountChunksByType()
	if err != nil {
		return nil, err
	}
	last := make(map[string]string)
	for _, typ := range []string{domain.SourceMarkdown, domain.SourceCode, domain.SourceContext, domain.SourceTask} {
		v, err := ix.store.GetIndexMeta("last_indexed_" + typ)
		if err != nil {
			return nil, err
		}
		last[typ] = v
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return &Status{
		Enabled:      ix.pol.Indexing().Enabled,
		Running:      ix.running,
		LastRun:      ix.lastRun,
		LastError:    ix.lastErr,
		ChunksByType: counts,
		VectorCount:  ix.index.Count(),
		VSSAvailable: ix.index.Available(),
		LastIndexed:  last,
	}, nil
}

func hashKey(src source) string { return "hash_" + src.typ + "_" + src.ref }

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func contextText(e *domain.ContextEntry) string {
	var b strings.Builder
	b.WriteString(e.Key)
	if e.Description != "" {
		b.WriteString("\n")
		b.WriteString(e.Description)
	}
	if len(e.Value) > 0 {
		b.WriteString("\n")
		b.Write(e.Value)
	}
	return b.String()
}

func taskText(t *domain.Task) string {
	var b strings.Builder
	b.WriteString(t.Title)
	b.WriteString("\n")
	b.WriteString(t.Description)
	b.WriteString("\nstatus: ")
	b.WriteString(string(t.Status))
	for _, n := range t.Notes {
		b.WriteString("\n")
		b.WriteString(n.Content)
	}
	return b.String()
}

package knowledge

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

const collectionName = "chunks"

// Hit is one k-NN result.
type Hit struct {
	ChunkID    int64
	Similarity float32
}

// VectorIndex serves k-NN queries over chunk embeddings. The sqlite
// embeddings table is the source of truth; the index is rebuilt from it at
// open. A failed open leaves the index unavailable and retrieval degrades
// to keyword-only.
type VectorIndex struct {
	mu        sync.RWMutex
	col       *chromem.Collection
	available bool
	logger    *log.Logger
}

// queries always arrive with a vector, never raw text
func rejectTextEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("index accepts precomputed embeddings only")
}

// OpenVectorIndex creates the persistent index at path and reconciles it
// with the store's embedding rows. On any failure it returns an index in
// unavailable state rather than an error.
func OpenVectorIndex(path string, store *sqlite.Store, logger *log.Logger) *VectorIndex {
	idx := &VectorIndex{logger: logger}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		logger.Printf("Warning: vector index unavailable, keyword-only retrieval: %v", err)
		return idx
	}
	// Drop any stale persisted collection; sqlite is authoritative.
	_ = db.DeleteCollection(collectionName)
	col, err := db.GetOrCreateCollection(collectionName, nil, rejectTextEmbedding)
	if err != nil {
		logger.Printf("Warning: vector index unavailable, keyword-only retrieval: %v", err)
		return idx
	}
	idx.col = col
	idx.available = true

	ctx := context.Background()
	n := 0
	err = store.WalkEmbeddings(func(chunkID int64, text string, vector []float32) error {
		n++
		return col.AddDocument(ctx, chromem.Document{
			ID:        strconv.FormatInt(chunkID, 10),
			Content:   text,
			Embedding: vector,
		})
	})
	if err != nil {
		logger.Printf("Warning: vector index rebuild failed, keyword-only retrieval: %v", err)
		idx.available = false
		return idx
	}
	if n > 0 {
		logger.Printf("vector index rebuilt with %d embeddings", n)
	}
	return idx
}

// Available reports whether k-NN queries can be served.
func (v *VectorIndex) Available() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.available
}

// Count returns the number of indexed embeddings.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.available {
		return 0
	}
	return v.col.Count()
}

// Add indexes one chunk embedding. No-op when unavailable.
func (v *VectorIndex) Add(ctx context.Context, chunkID int64, text string, vector []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.available {
		return nil
	}
	return v.col.AddDocument(ctx, chromem.Document{
		ID:        strconv.FormatInt(chunkID, 10),
		Content:   text,
		Embedding: vector,
	})
}

// Remove drops chunk ids from the index. Missing ids are ignored.
func (v *VectorIndex) Remove(ctx context.Context, chunkIDs []int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.available || len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return v.col.Delete(ctx, nil, nil, ids...)
}

// Query returns the k nearest chunks to the query vector.
func (v *VectorIndex) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.available {
		return nil, nil
	}
	if n := v.col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := v.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Similarity: r.Similarity})
	}
	return hits, nil
}

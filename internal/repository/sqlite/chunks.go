package sqlite

import (
	"database/sql"
	"encoding/binary"
	"math"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

// EncodeVector packs a float32 vector into a little-endian blob.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a blob written by EncodeVector.
func DecodeVector(b []byte) []float32 {
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec
}

// InsertChunk writes a chunk and its embedding in the same transaction,
// using the chunk row id as the embedding row id. Returns the chunk id.
func (s *Store) InsertChunk(tx *sql.Tx, c *domain.Chunk, vector []float32) (int64, error) {
	metadata := "{}"
	if len(c.Metadata) > 0 {
		metadata = string(c.Metadata)
	}
	res, err := tx.Exec(
		"INSERT INTO chunks (source_type, source_ref, chunk_text, metadata, indexed_at) VALUES (?, ?, ?, ?, ?)",
		c.SourceType, c.SourceRef, c.Text, metadata, fmtTime(c.IndexedAt),
	)
	if err != nil {
		return 0, mapSQLError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"INSERT INTO embeddings (chunk_id, vector, dim) VALUES (?, ?, ?)",
		id, EncodeVector(vector), len(vector),
	); err != nil {
		return 0, mapSQLError(err)
	}
	c.ID = id
	return id, nil
}

// DeleteChunksForSource removes all chunks (and their embeddings) for one
// source, returning the removed chunk ids.
func (s *Store) DeleteChunksForSource(tx *sql.Tx, sourceType, sourceRef string) ([]int64, error) {
	rows, err := tx.Query("SELECT id FROM chunks WHERE source_type = ? AND source_ref = ?", sourceType, sourceRef)
	if err != nil {
		return nil, mapSQLError(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec("DELETE FROM embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE source_type = ? AND source_ref = ?)", sourceType, sourceRef); err != nil {
		return nil, mapSQLError(err)
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE source_type = ? AND source_ref = ?", sourceType, sourceRef); err != nil {
		return nil, mapSQLError(err)
	}
	return ids, nil
}

// GetChunk fetches one chunk row.
func (s *Store) GetChunk(id int64) (*domain.Chunk, error) {
	var c domain.Chunk
	var metadata, ia string
	err := s.db.QueryRow(
		"SELECT id, source_type, source_ref, chunk_text, metadata, indexed_at FROM chunks WHERE id = ?", id,
	).Scan(&c.ID, &c.SourceType, &c.SourceRef, &c.Text, &metadata, &ia)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("chunk %d not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	c.Metadata = []byte(metadata)
	if c.IndexedAt, err = parseTime(ia, "chunks indexed_at"); err != nil {
		return nil, err
	}
	return &c, nil
}

// CountChunksForSource returns the chunk count for one source ref.
func (s *Store) CountChunksForSource(sourceType, sourceRef string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chunks WHERE source_type = ? AND source_ref = ?", sourceType, sourceRef).Scan(&n)
	return n, mapSQLError(err)
}

// WalkEmbeddings streams every (chunk, vector) pair to fn. Used to rebuild
// the in-memory vector index at boot.
func (s *Store) WalkEmbeddings(fn func(chunkID int64, text string, vector []float32) error) error {
	rows, err := s.db.Query(
		"SELECT c.id, c.chunk_text, e.vector FROM chunks c JOIN embeddings e ON e.chunk_id = c.id")
	if err != nil {
		return mapSQLError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var text string
		var blob []byte
		if err := rows.Scan(&id, &text, &blob); err != nil {
			return err
		}
		if err := fn(id, text, DecodeVector(blob)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetIndexMeta returns an index-metadata value, or "" when absent.
func (s *Store) GetIndexMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM index_meta WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", mapSQLError(err)
	}
	return v, nil
}

// SetIndexMeta upserts an index-metadata key inside tx.
func (s *Store) SetIndexMeta(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec("INSERT OR REPLACE INTO index_meta (key, value) VALUES (?, ?)", key, value)
	return mapSQLError(err)
}

// DeleteIndexMeta removes an index-metadata key inside tx.
func (s *Store) DeleteIndexMeta(tx *sql.Tx, key string) error {
	_, err := tx.Exec("DELETE FROM index_meta WHERE key = ?", key)
	return mapSQLError(err)
}

// CountChunksByType returns chunk counts grouped by source type.
func (s *Store) CountChunksByType() (map[string]int, error) {
	rows, err := s.db.Query("SELECT source_type, COUNT(*) FROM chunks GROUP BY source_type")
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// OrphanEmbeddings returns chunk ids violating the chunk/embedding pairing:
// chunks without an embedding row plus embeddings without a chunk row.
func (s *Store) OrphanEmbeddings() ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT c.id FROM chunks c LEFT JOIN embeddings e ON e.chunk_id = c.id WHERE e.chunk_id IS NULL
		UNION
		SELECT e.chunk_id FROM embeddings e LEFT JOIN chunks c ON c.id = e.chunk_id WHERE c.id IS NULL`)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

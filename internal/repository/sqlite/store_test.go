package sqlite

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	a := &domain.Agent{
		ID:               "worker-1",
		Token:            "00112233445566778899aabbccddeeff",
		Capabilities:     []string{"code", "review"},
		Status:           domain.AgentCreated,
		CurrentTask:      "task_1",
		WorkingDirectory: "/srv/project",
		Color:            3,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Write(func(tx *sql.Tx) error { return s.InsertAgent(tx, a) }); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetAgent("worker-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Token != a.Token || got.Color != 3 || len(got.Capabilities) != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}

	byToken, err := s.GetAgentByToken(a.Token)
	if err != nil || byToken.ID != "worker-1" {
		t.Errorf("GetAgentByToken = %v, %v", byToken, err)
	}

	if _, err := s.GetAgent("nope"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("missing agent error = %v, want not_found", err)
	}
}

func TestInsertAgent_duplicateIDConflicts(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	mk := func(id, token string) *domain.Agent {
		return &domain.Agent{ID: id, Token: token, Status: domain.AgentCreated, CreatedAt: now, UpdatedAt: now}
	}
	if err := s.Write(func(tx *sql.Tx) error { return s.InsertAgent(tx, mk("w", "aa00aa00aa00aa00")) }); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.Write(func(tx *sql.Tx) error { return s.InsertAgent(tx, mk("w", "bb00bb00bb00bb00")) })
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Errorf("duplicate insert error = %v, want conflict", err)
	}
}

func TestWrite_rollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	boom := errors.New("boom")
	err := s.Write(func(tx *sql.Tx) error {
		if err := s.InsertTask(tx, &domain.Task{
			ID: "task_a", Title: "a", CreatedBy: "admin",
			Status: domain.TaskUnassigned, Priority: domain.PriorityMedium,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Write error = %v, want boom", err)
	}
	if _, err := s.GetTask("task_a"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("task survived a rolled-back transaction: %v", err)
	}
}

func TestChunkEmbeddingPairing(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	vec := []float32{0.25, -1, 3.5}

	var id int64
	err := s.Write(func(tx *sql.Tx) error {
		var err error
		id, err = s.InsertChunk(tx, &domain.Chunk{
			SourceType: domain.SourceMarkdown,
			SourceRef:  "README.md",
			Text:       "hello",
			IndexedAt:  now,
		}, vec)
		return err
	})
	if err != nil {
		t.Fatalf("InsertChunk: %v", err)
	}

	var embID int64
	var blob []byte
	if err := s.DB().QueryRow("SELECT chunk_id, vector FROM embeddings").Scan(&embID, &blob); err != nil {
		t.Fatalf("read embedding: %v", err)
	}
	if embID != id {
		t.Errorf("embedding row id = %d, chunk id = %d, want equal", embID, id)
	}
	got := DecodeVector(blob)
	if len(got) != 3 || got[0] != 0.25 || got[2] != 3.5 {
		t.Errorf("DecodeVector = %v, want %v", got, vec)
	}

	orphans, err := s.OrphanEmbeddings()
	if err != nil || len(orphans) != 0 {
		t.Errorf("OrphanEmbeddings = %v, %v, want none", orphans, err)
	}

	var removed []int64
	err = s.Write(func(tx *sql.Tx) error {
		var err error
		removed, err = s.DeleteChunksForSource(tx, domain.SourceMarkdown, "README.md")
		return err
	})
	if err != nil || len(removed) != 1 || removed[0] != id {
		t.Fatalf("DeleteChunksForSource = %v, %v", removed, err)
	}
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM embeddings").Scan(&n); err != nil || n != 0 {
		t.Errorf("embeddings left after source delete: %d (%v)", n, err)
	}
}

func TestSessionStateExpiry(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	ts := &domain.TransportSession{
		ID: "sess-1", CreatedAt: now, LastHeartbeat: now,
		ExpiresAt: now.Add(time.Hour), Status: domain.SessionLive,
	}
	err := s.Write(func(tx *sql.Tx) error {
		if err := s.UpsertSession(tx, ts); err != nil {
			return err
		}
		if err := s.SaveSessionState(tx, &domain.SessionState{
			SessionID: "sess-1", Key: "fresh", Data: []byte(`{"n":1}`), ExpiresAt: now.Add(time.Hour),
		}); err != nil {
			return err
		}
		return s.SaveSessionState(tx, &domain.SessionState{
			SessionID: "sess-1", Key: "stale", Data: []byte(`{}`), ExpiresAt: now.Add(-time.Minute),
		})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := s.GetSessionState("sess-1", "fresh"); err != nil {
		t.Errorf("fresh key: %v", err)
	}
	if _, err := s.GetSessionState("sess-1", "stale"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("stale key error = %v, want not_found", err)
	}
	keys, err := s.ListSessionStates("sess-1")
	if err != nil || len(keys) != 1 || keys[0] != "fresh" {
		t.Errorf("ListSessionStates = %v, %v, want [fresh]", keys, err)
	}

	// deleting the session cascades to its state rows
	if err := s.Write(func(tx *sql.Tx) error { return s.DeleteSession(tx, "sess-1") }); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM session_state WHERE session_id = 'sess-1'").Scan(&n); err != nil || n != 0 {
		t.Errorf("state rows left after session delete: %d (%v)", n, err)
	}
}

func TestKeywordTasks(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	err := s.Write(func(tx *sql.Tx) error {
		for _, spec := range []struct{ id, title string }{
			{"task_1", "Fix login flow"},
			{"task_2", "Refactor billing"},
		} {
			if err := s.InsertTask(tx, &domain.Task{
				ID: spec.id, Title: spec.title, CreatedBy: "admin",
				Status: domain.TaskUnassigned, Priority: domain.PriorityMedium,
				CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	got, err := s.KeywordTasks([]string{"%login%"}, 5)
	if err != nil {
		t.Fatalf("KeywordTasks: %v", err)
	}
	if len(got) != 1 || got[0].ID != "task_1" {
		t.Errorf("KeywordTasks = %v, want task_1 only", got)
	}
}

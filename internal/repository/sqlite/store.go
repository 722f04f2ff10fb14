// Package sqlite implements the embedded store: one WAL-mode database file,
// a single serialized writer, and snapshot reads. All orchestration state
// (agents, tasks, project context, chunks, embeddings, transport sessions)
// lives here.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL UNIQUE,
	capabilities TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	current_task TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL DEFAULT '',
	color INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	terminated_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	assigned_to TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	status TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'medium',
	parent_task TEXT NOT NULL DEFAULT '',
	child_tasks TEXT NOT NULL DEFAULT '[]',
	depends_on_tasks TEXT NOT NULL DEFAULT '[]',
	notes TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS project_context (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	updated_by TEXT NOT NULL,
	last_updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS action_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_type TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	chunk_text TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	indexed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS embeddings (
	chunk_id INTEGER PRIMARY KEY REFERENCES chunks(id),
	vector BLOB NOT NULL,
	dim INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS index_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transport_sessions (
	id TEXT PRIMARY KEY,
	bound_agent_id TEXT NOT NULL DEFAULT '',
	is_admin INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_state (
	session_id TEXT NOT NULL,
	key TEXT NOT NULL,
	data TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (session_id, key)
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_status ON tasks(assigned_to, status);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_type, source_ref);
CREATE INDEX IF NOT EXISTS idx_action_log_agent ON action_log(agent_id, id);
`

// Store is the embedded database. Exactly one write transaction runs at a
// time; reads go straight to the pool and may run concurrently with a writer
// thanks to WAL.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path and applies the schema.
// Returns a store_unavailable error when the file cannot be opened.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, domain.StoreUnavailable("create state dir: %v", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, domain.StoreUnavailable("open database: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, domain.StoreUnavailable("apply schema: %v", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, domain.StoreUnavailable("apply indexes: %v", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Write runs fn inside a serialized transaction. The transaction either
// commits fully or rolls back fully; fn's error is returned verbatim.
func (s *Store) Write(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return domain.StoreUnavailable("begin write: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError(err)
	}
	return nil
}

// DB exposes the read connection for snapshot queries.
func (s *Store) DB() *sql.DB { return s.db }

// HealthReport is the store's self-description.
type HealthReport struct {
	Tables       map[string]int `json:"tables"`
	VSSAvailable bool           `json:"vss_available"`
}

// Health reports row counts per table. Vector-index availability is filled
// in by the caller (the knowledge subsystem owns that fact).
func (s *Store) Health() (HealthReport, error) {
	rep := HealthReport{Tables: make(map[string]int)}
	for _, t := range []string{
		"agents", "tasks", "project_context", "action_log",
		"chunks", "embeddings", "transport_sessions", "session_state",
	} {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + t).Scan(&n); err != nil {
			return rep, mapSQLError(err)
		}
		rep.Tables[t] = n
	}
	return rep, nil
}

// GetMeta returns the value for key from the meta table, or "" when absent.
func (s *Store) GetMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", mapSQLError(err)
	}
	return v, nil
}

// SetMeta upserts a meta key inside tx.
func (s *Store) SetMeta(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// mapSQLError converts driver errors into wire-stable kinds.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint"):
		return domain.Conflict("%s", msg)
	case strings.Contains(msg, "constraint"):
		return domain.Conflict("%s", msg)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "unable to open"):
		return domain.StoreUnavailable("%s", msg)
	}
	return err
}

// parseTime parses RFC3339Nano or returns an error with context.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

// fmtTime formats t for storage; zero times store as "".
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// parseJSON unmarshals b into v with context.
func parseJSON(b []byte, v interface{}, context string) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

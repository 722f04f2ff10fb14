package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

const contextCols = "key, value, description, updated_by, last_updated"

func scanContext(row interface{ Scan(...any) error }) (*domain.ContextEntry, error) {
	var e domain.ContextEntry
	var value, lu string
	if err := row.Scan(&e.Key, &value, &e.Description, &e.UpdatedBy, &lu); err != nil {
		return nil, err
	}
	e.Value = []byte(value)
	var err error
	if e.LastUpdated, err = parseTime(lu, "project_context last_updated"); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertContext inserts or replaces a project-context entry.
func (s *Store) UpsertContext(tx *sql.Tx, e *domain.ContextEntry) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO project_context ("+contextCols+") VALUES (?, ?, ?, ?, ?)",
		e.Key, string(e.Value), e.Description, e.UpdatedBy, fmtTime(e.LastUpdated),
	)
	return mapSQLError(err)
}

// DeleteContext removes an entry by key.
func (s *Store) DeleteContext(tx *sql.Tx, key string) error {
	res, err := tx.Exec("DELETE FROM project_context WHERE key = ?", key)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("context key %q not found", key)
	}
	return nil
}

// GetContext fetches an entry by key.
func (s *Store) GetContext(key string) (*domain.ContextEntry, error) {
	e, err := scanContext(s.db.QueryRow("SELECT "+contextCols+" FROM project_context WHERE key = ?", key))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("context key %q not found", key)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return e, nil
}

func (s *Store) queryContext(q string, args ...any) ([]*domain.ContextEntry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	var entries []*domain.ContextEntry
	for rows.Next() {
		e, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListContext returns all non-backup entries ordered by key.
func (s *Store) ListContext() ([]*domain.ContextEntry, error) {
	entries, err := s.queryContext("SELECT " + contextCols + " FROM project_context ORDER BY key")
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, domain.BackupKeyPrefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ContextUpdatedAfter returns non-backup entries updated strictly after t,
// most recent first, up to limit.
func (s *Store) ContextUpdatedAfter(t time.Time, limit int) ([]*domain.ContextEntry, error) {
	return s.queryContext(
		"SELECT "+contextCols+" FROM project_context WHERE last_updated > ? AND key NOT LIKE ? ORDER BY last_updated DESC LIMIT ?",
		fmtTime(t), domain.BackupKeyPrefix+"%", limit)
}

// ListContextBackups returns only the reserved backup snapshot rows.
func (s *Store) ListContextBackups() ([]*domain.ContextEntry, error) {
	return s.queryContext(
		"SELECT "+contextCols+" FROM project_context WHERE key LIKE ? ORDER BY last_updated DESC",
		domain.BackupKeyPrefix+"%")
}

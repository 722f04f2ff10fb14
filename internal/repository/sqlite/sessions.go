package sqlite

import (
	"database/sql"
	"time"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

const sessionCols = "id, bound_agent_id, is_admin, created_at, last_heartbeat, expires_at, status"

func scanSession(row interface{ Scan(...any) error }) (*domain.TransportSession, error) {
	var ts domain.TransportSession
	var isAdmin int
	var ca, hb, ex, status string
	if err := row.Scan(&ts.ID, &ts.BoundAgentID, &isAdmin, &ca, &hb, &ex, &status); err != nil {
		return nil, err
	}
	ts.Admin = isAdmin != 0
	ts.Status = domain.TransportSessionStatus(status)
	var err error
	if ts.CreatedAt, err = parseTime(ca, "transport_sessions created_at"); err != nil {
		return nil, err
	}
	if ts.LastHeartbeat, err = parseTime(hb, "transport_sessions last_heartbeat"); err != nil {
		return nil, err
	}
	if ts.ExpiresAt, err = parseTime(ex, "transport_sessions expires_at"); err != nil {
		return nil, err
	}
	return &ts, nil
}

// UpsertSession inserts or replaces a transport session row.
func (s *Store) UpsertSession(tx *sql.Tx, ts *domain.TransportSession) error {
	isAdmin := 0
	if ts.Admin {
		isAdmin = 1
	}
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO transport_sessions ("+sessionCols+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		ts.ID, ts.BoundAgentID, isAdmin, fmtTime(ts.CreatedAt), fmtTime(ts.LastHeartbeat),
		fmtTime(ts.ExpiresAt), string(ts.Status),
	)
	return mapSQLError(err)
}

// GetSession fetches a transport session by id.
func (s *Store) GetSession(id string) (*domain.TransportSession, error) {
	ts, err := scanSession(s.db.QueryRow("SELECT "+sessionCols+" FROM transport_sessions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("session %q not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return ts, nil
}

// ListSessions returns every transport session.
func (s *Store) ListSessions() ([]*domain.TransportSession, error) {
	rows, err := s.db.Query("SELECT " + sessionCols + " FROM transport_sessions ORDER BY created_at")
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	var sessions []*domain.TransportSession
	for rows.Next() {
		ts, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, ts)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and all of its saved state rows.
func (s *Store) DeleteSession(tx *sql.Tx, id string) error {
	if _, err := tx.Exec("DELETE FROM session_state WHERE session_id = ?", id); err != nil {
		return mapSQLError(err)
	}
	_, err := tx.Exec("DELETE FROM transport_sessions WHERE id = ?", id)
	return mapSQLError(err)
}

// SaveSessionState upserts one saved key for a session.
func (s *Store) SaveSessionState(tx *sql.Tx, st *domain.SessionState) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO session_state (session_id, key, data, expires_at) VALUES (?, ?, ?, ?)",
		st.SessionID, st.Key, string(st.Data), fmtTime(st.ExpiresAt),
	)
	return mapSQLError(err)
}

// GetSessionState fetches one saved key. Expired rows read as not_found.
func (s *Store) GetSessionState(sessionID, key string) (*domain.SessionState, error) {
	var st domain.SessionState
	var data, ex string
	err := s.db.QueryRow(
		"SELECT session_id, key, data, expires_at FROM session_state WHERE session_id = ? AND key = ?",
		sessionID, key,
	).Scan(&st.SessionID, &st.Key, &data, &ex)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("session state %q not found", key)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	st.Data = []byte(data)
	if st.ExpiresAt, err = parseTime(ex, "session_state expires_at"); err != nil {
		return nil, err
	}
	if !st.ExpiresAt.IsZero() && time.Now().After(st.ExpiresAt) {
		return nil, domain.NotFound("session state %q expired", key)
	}
	return &st, nil
}

// ListSessionStates returns the saved keys for a session, skipping expired
// rows.
func (s *Store) ListSessionStates(sessionID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key, expires_at FROM session_state WHERE session_id = ? ORDER BY key", sessionID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	now := time.Now()
	var keys []string
	for rows.Next() {
		var k, ex string
		if err := rows.Scan(&k, &ex); err != nil {
			return nil, err
		}
		if ex != "" {
			t, err := parseTime(ex, "session_state expires_at")
			if err != nil {
				return nil, err
			}
			if now.After(t) {
				continue
			}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ClearSessionState removes one key, or every key when key is "".
func (s *Store) ClearSessionState(tx *sql.Tx, sessionID, key string) (int, error) {
	var res sql.Result
	var err error
	if key == "" {
		res, err = tx.Exec("DELETE FROM session_state WHERE session_id = ?", sessionID)
	} else {
		res, err = tx.Exec("DELETE FROM session_state WHERE session_id = ? AND key = ?", sessionID, key)
	}
	if err != nil {
		return 0, mapSQLError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

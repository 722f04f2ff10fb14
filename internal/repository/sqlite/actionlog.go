package sqlite

import (
	"database/sql"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

// AppendAction writes one audit record.
func (s *Store) AppendAction(tx *sql.Tx, e *domain.ActionLogEntry) error {
	details := "{}"
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	_, err := tx.Exec(
		"INSERT INTO action_log (agent_id, action_type, task_id, timestamp, details) VALUES (?, ?, ?, ?, ?)",
		e.AgentID, e.ActionType, e.TaskID, fmtTime(e.Timestamp), details,
	)
	return mapSQLError(err)
}

// RecentActions returns up to limit newest entries, optionally filtered by
// agent id.
func (s *Store) RecentActions(agentID string, limit int) ([]*domain.ActionLogEntry, error) {
	var rows *sql.Rows
	var err error
	if agentID != "" {
		rows, err = s.db.Query(
			"SELECT id, agent_id, action_type, task_id, timestamp, details FROM action_log WHERE agent_id = ? ORDER BY id DESC LIMIT ?",
			agentID, limit)
	} else {
		rows, err = s.db.Query(
			"SELECT id, agent_id, action_type, task_id, timestamp, details FROM action_log ORDER BY id DESC LIMIT ?",
			limit)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	var entries []*domain.ActionLogEntry
	for rows.Next() {
		var e domain.ActionLogEntry
		var ts, details string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ActionType, &e.TaskID, &ts, &details); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts, "action_log timestamp"); err != nil {
			return nil, err
		}
		e.Details = []byte(details)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

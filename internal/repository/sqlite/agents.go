package sqlite

import (
	"database/sql"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

const agentCols = "id, token, capabilities, status, current_task, working_directory, color, created_at, updated_at, terminated_at"

func scanAgent(row interface{ Scan(...any) error }) (*domain.Agent, error) {
	var a domain.Agent
	var caps, status, ca, ua, ta string
	if err := row.Scan(&a.ID, &a.Token, &caps, &status, &a.CurrentTask, &a.WorkingDirectory, &a.Color, &ca, &ua, &ta); err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	if err := parseJSON([]byte(caps), &a.Capabilities, "agents capabilities"); err != nil {
		return nil, err
	}
	var err error
	if a.CreatedAt, err = parseTime(ca, "agents created_at"); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(ua, "agents updated_at"); err != nil {
		return nil, err
	}
	if ta != "" {
		if a.TerminatedAt, err = parseTime(ta, "agents terminated_at"); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// InsertAgent writes a new agent row. A duplicate id or token surfaces as
// conflict.
func (s *Store) InsertAgent(tx *sql.Tx, a *domain.Agent) error {
	_, err := tx.Exec(
		"INSERT INTO agents ("+agentCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.Token, mustJSON(a.Capabilities), string(a.Status), a.CurrentTask,
		a.WorkingDirectory, a.Color, fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt), fmtTime(a.TerminatedAt),
	)
	return mapSQLError(err)
}

// UpdateAgent rewrites every mutable column of an agent row.
func (s *Store) UpdateAgent(tx *sql.Tx, a *domain.Agent) error {
	res, err := tx.Exec(
		"UPDATE agents SET capabilities = ?, status = ?, current_task = ?, working_directory = ?, color = ?, updated_at = ?, terminated_at = ? WHERE id = ?",
		mustJSON(a.Capabilities), string(a.Status), a.CurrentTask, a.WorkingDirectory,
		a.Color, fmtTime(a.UpdatedAt), fmtTime(a.TerminatedAt), a.ID,
	)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("agent %q not found", a.ID)
	}
	return nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(id string) (*domain.Agent, error) {
	a, err := scanAgent(s.db.QueryRow("SELECT "+agentCols+" FROM agents WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("agent %q not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return a, nil
}

// GetAgentTx fetches an agent inside a write transaction.
func (s *Store) GetAgentTx(tx *sql.Tx, id string) (*domain.Agent, error) {
	a, err := scanAgent(tx.QueryRow("SELECT "+agentCols+" FROM agents WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("agent %q not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return a, nil
}

// GetAgentByToken fetches an agent by its cleartext token.
func (s *Store) GetAgentByToken(token string) (*domain.Agent, error) {
	a, err := scanAgent(s.db.QueryRow("SELECT "+agentCols+" FROM agents WHERE token = ?", token))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("no agent for token")
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *Store) ListAgents() ([]*domain.Agent, error) {
	rows, err := s.db.Query("SELECT " + agentCols + " FROM agents ORDER BY created_at")
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgentsByStatus returns the number of agents with the given status.
func (s *Store) CountAgentsByStatus(status domain.AgentStatus) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM agents WHERE status = ?", string(status)).Scan(&n)
	return n, mapSQLError(err)
}

package sqlite

import (
	"database/sql"
	"time"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

const taskCols = "id, title, description, assigned_to, created_by, status, priority, parent_task, child_tasks, depends_on_tasks, notes, created_at, updated_at"

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var t domain.Task
	var status, children, deps, notes, ca, ua string
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.AssignedTo, &t.CreatedBy, &status, &t.Priority, &t.ParentTask, &children, &deps, &notes, &ca, &ua); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	if err := parseJSON([]byte(children), &t.ChildTasks, "tasks child_tasks"); err != nil {
		return nil, err
	}
	if err := parseJSON([]byte(deps), &t.DependsOnTasks, "tasks depends_on_tasks"); err != nil {
		return nil, err
	}
	if err := parseJSON([]byte(notes), &t.Notes, "tasks notes"); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseTime(ca, "tasks created_at"); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(ua, "tasks updated_at"); err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTask writes a new task row.
func (s *Store) InsertTask(tx *sql.Tx, t *domain.Task) error {
	_, err := tx.Exec(
		"INSERT INTO tasks ("+taskCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.Title, t.Description, t.AssignedTo, t.CreatedBy, string(t.Status), t.Priority,
		t.ParentTask, mustJSON(t.ChildTasks), mustJSON(t.DependsOnTasks), mustJSON(t.Notes),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return mapSQLError(err)
}

// UpdateTask rewrites every mutable column of a task row.
func (s *Store) UpdateTask(tx *sql.Tx, t *domain.Task) error {
	res, err := tx.Exec(
		"UPDATE tasks SET title = ?, description = ?, assigned_to = ?, status = ?, priority = ?, parent_task = ?, child_tasks = ?, depends_on_tasks = ?, notes = ?, updated_at = ? WHERE id = ?",
		t.Title, t.Description, t.AssignedTo, string(t.Status), t.Priority, t.ParentTask,
		mustJSON(t.ChildTasks), mustJSON(t.DependsOnTasks), mustJSON(t.Notes), fmtTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("task %q not found", t.ID)
	}
	return nil
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(tx *sql.Tx, id string) error {
	res, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("task %q not found", id)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRow("SELECT "+taskCols+" FROM tasks WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("task %q not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return t, nil
}

// GetTaskTx fetches a task inside a write transaction.
func (s *Store) GetTaskTx(tx *sql.Tx, id string) (*domain.Task, error) {
	t, err := scanTask(tx.QueryRow("SELECT "+taskCols+" FROM tasks WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("task %q not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return t, nil
}

// TaskExistsTx reports whether a task id exists, inside a transaction.
func (s *Store) TaskExistsTx(tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRow("SELECT 1 FROM tasks WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mapSQLError(err)
	}
	return true, nil
}

func (s *Store) queryTasks(q string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListTasks returns all tasks ordered by creation time.
func (s *Store) ListTasks() ([]*domain.Task, error) {
	return s.queryTasks("SELECT " + taskCols + " FROM tasks ORDER BY created_at")
}

// RootTasks returns tasks with no parent, most recently created first.
func (s *Store) RootTasks() ([]*domain.Task, error) {
	return s.queryTasks("SELECT " + taskCols + " FROM tasks WHERE parent_task = '' ORDER BY created_at DESC")
}

// TasksByAssignee returns tasks assigned to the given agent.
func (s *Store) TasksByAssignee(agentID string) ([]*domain.Task, error) {
	return s.queryTasks("SELECT "+taskCols+" FROM tasks WHERE assigned_to = ? ORDER BY created_at", agentID)
}

// TasksUpdatedAfter returns tasks whose updated_at is strictly after t,
// most recent first, up to limit.
func (s *Store) TasksUpdatedAfter(t time.Time, limit int) ([]*domain.Task, error) {
	return s.queryTasks(
		"SELECT "+taskCols+" FROM tasks WHERE updated_at > ? ORDER BY updated_at DESC LIMIT ?",
		fmtTime(t), limit)
}

// KeywordTasks returns tasks whose title or description matches any of the
// LIKE patterns, most recently updated first, up to limit.
func (s *Store) KeywordTasks(patterns []string, limit int) ([]*domain.Task, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	q := "SELECT " + taskCols + " FROM tasks WHERE "
	var args []any
	for i, p := range patterns {
		if i > 0 {
			q += " OR "
		}
		q += "(title LIKE ? COLLATE NOCASE OR description LIKE ? COLLATE NOCASE)"
		args = append(args, p, p)
	}
	q += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)
	return s.queryTasks(q, args...)
}

func queryTasksTx(tx *sql.Tx, q string, args ...any) ([]*domain.Task, error) {
	rows, err := tx.Query(q, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ChildTasksTx returns the direct children of a task, inside a transaction.
func (s *Store) ChildTasksTx(tx *sql.Tx, parentID string) ([]*domain.Task, error) {
	return queryTasksTx(tx, "SELECT "+taskCols+" FROM tasks WHERE parent_task = ? ORDER BY created_at", parentID)
}

// TasksReferencingTx returns tasks whose child or dependency lists mention
// id. The lists are JSON arrays of quoted ids, so a quoted LIKE is exact.
func (s *Store) TasksReferencingTx(tx *sql.Tx, id string) ([]*domain.Task, error) {
	pat := "%\"" + id + "\"%"
	return queryTasksTx(tx,
		"SELECT "+taskCols+" FROM tasks WHERE (child_tasks LIKE ? OR depends_on_tasks LIKE ?) AND id != ?",
		pat, pat, id)
}

// ListTasksTx returns all tasks inside a transaction.
func (s *Store) ListTasksTx(tx *sql.Tx) ([]*domain.Task, error) {
	return queryTasksTx(tx, "SELECT "+taskCols+" FROM tasks ORDER BY created_at")
}

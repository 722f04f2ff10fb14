// Package app wires the orchestration core: the task graph, the agent
// supervisor, transport session management, and the boot/shutdown sequence.
package app

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

// ConfirmDeletePhrase must accompany forced, cascading or multi-task
// deletions.
const ConfirmDeletePhrase = "CONFIRM_DELETE"

// workloadLimit caps an agent's workload score on assignment.
const workloadLimit = 15

// TaskGraph owns every task mutation. Each operation is one store
// transaction.
type TaskGraph struct {
	store  *sqlite.Store
	logger *log.Logger
}

func NewTaskGraph(store *sqlite.Store, logger *log.Logger) *TaskGraph {
	return &TaskGraph{store: store, logger: logger}
}

func newTaskID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "task_" + hex.EncodeToString(b)
}

// callerName is the action-log identity of a verified caller.
func callerName(id *auth.Identity) string {
	if id.Role == auth.RoleAdmin {
		return "admin"
	}
	return id.AgentID
}

func (g *TaskGraph) logAction(tx *sql.Tx, agentID, action, taskID string, details any) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	err := g.store.AppendAction(tx, &domain.ActionLogEntry{
		AgentID:    agentID,
		ActionType: action,
		TaskID:     taskID,
		Timestamp:  time.Now().UTC(),
		Details:    raw,
	})
	if err != nil {
		g.logger.Printf("action log append failed: %v", err)
	}
}

func mustDetails(v map[string]any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// CreateSelfTaskInput are the create_self_task parameters.
type CreateSelfTaskInput struct {
	Title       string
	Description string
	Priority    string
	ParentID    string
	DependsOn   []string
}

// CreateSelfTask creates a task for the caller. Agents must attach to a
// parent; a new root is only allowed when no phase is active.
func (g *TaskGraph) CreateSelfTask(caller *auth.Identity, in CreateSelfTaskInput) (*domain.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, domain.BadRequest("task_title is required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(in.Priority) {
		return nil, domain.BadRequest("invalid priority %q", in.Priority)
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:             newTaskID(),
		Title:          in.Title,
		Description:    in.Description,
		CreatedBy:      callerName(caller),
		Status:         domain.TaskUnassigned,
		Priority:       in.Priority,
		ParentTask:     in.ParentID,
		DependsOnTasks: in.DependsOn,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if caller.Role == auth.RoleAgent {
		task.AssignedTo = caller.AgentID
		task.Status = domain.TaskPending
	}

	err := g.store.Write(func(tx *sql.Tx) error {
		if caller.Role == auth.RoleAgent && task.ParentTask == "" {
			agent, err := g.store.GetAgentTx(tx, caller.AgentID)
			if err != nil {
				return err
			}
			task.ParentTask = agent.CurrentTask
			if task.ParentTask == "" {
				return g.noParentError(tx, caller.AgentID)
			}
		}
		if task.ParentTask == "" {
			if root, err := g.activePhaseRootTx(tx); err != nil {
				return err
			} else if root != nil {
				candidates, err := g.candidateParentsTx(tx, root)
				if err != nil {
					return err
				}
				return domain.Conflict("an active phase rooted at %q already exists; attach to a task inside it", root.ID).
					WithDetails(map[string]any{"active_phase_root": root.ID, "candidate_parents": candidates})
			}
		} else {
			parent, err := g.store.GetTaskTx(tx, task.ParentTask)
			if err != nil {
				return err
			}
			parent.ChildTasks = append(parent.ChildTasks, task.ID)
			parent.UpdatedAt = now
			if err := g.store.UpdateTask(tx, parent); err != nil {
				return err
			}
		}
		for _, dep := range task.DependsOnTasks {
			ok, err := g.store.TaskExistsTx(tx, dep)
			if err != nil {
				return err
			}
			if !ok {
				return domain.DependencyMissing("dependency task %q not found", dep)
			}
		}
		if err := g.store.InsertTask(tx, task); err != nil {
			return err
		}
		g.logAction(tx, callerName(caller), "created_task", task.ID, map[string]any{"title": task.Title})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// noParentError refuses a parentless agent task with suggestions drawn from
// the agent's recent tasks.
func (g *TaskGraph) noParentError(tx *sql.Tx, agentID string) error {
	recent, err := queryRecentByAssignee(tx, agentID, 5)
	if err != nil {
		return err
	}
	var suggestions []map[string]string
	for _, t := range recent {
		suggestions = append(suggestions, map[string]string{"task_id": t.ID, "title": t.Title})
	}
	return domain.BadRequest("parent_task_id is required and no current task is set").
		WithDetails(map[string]any{"suggested_parents": suggestions})
}

func queryRecentByAssignee(tx *sql.Tx, agentID string, limit int) ([]*domain.Task, error) {
	var out []*domain.Task
	rows, err := tx.Query("SELECT id, title FROM tasks WHERE assigned_to = ? ORDER BY updated_at DESC LIMIT ?", agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.Title); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// activePhaseRootTx finds the root of the active phase, most recently
// created root first. Nil when every phase is complete.
func (g *TaskGraph) activePhaseRootTx(tx *sql.Tx) (*domain.Task, error) {
	tasks, err := g.store.ListTasksTx(tx)
	if err != nil {
		return nil, err
	}
	roots, byParent := indexTasks(tasks)
	for i := len(roots) - 1; i >= 0; i-- {
		if phaseActive(roots[i], byParent) {
			return roots[i], nil
		}
	}
	return nil, nil
}

// indexTasks splits tasks into roots (creation order) and a parent index.
func indexTasks(tasks []*domain.Task) ([]*domain.Task, map[string][]*domain.Task) {
	var roots []*domain.Task
	byParent := make(map[string][]*domain.Task)
	for _, t := range tasks {
		if t.ParentTask == "" {
			roots = append(roots, t)
		} else {
			byParent[t.ParentTask] = append(byParent[t.ParentTask], t)
		}
	}
	return roots, byParent
}

// phaseActive reports whether any task in the tree under root is not yet
// completed or cancelled.
func phaseActive(root *domain.Task, byParent map[string][]*domain.Task) bool {
	if root.Status.Active() || root.Status == domain.TaskFailed {
		return true
	}
	for _, child := range byParent[root.ID] {
		if phaseActive(child, byParent) {
			return true
		}
	}
	return false
}

// candidateParentsTx lists the in-flight tasks of a phase an agent could
// attach a subtask to.
func (g *TaskGraph) candidateParentsTx(tx *sql.Tx, root *domain.Task) ([]map[string]string, error) {
	tasks, err := g.store.ListTasksTx(tx)
	if err != nil {
		return nil, err
	}
	_, byParent := indexTasks(tasks)
	var out []map[string]string
	var walk func(t *domain.Task)
	walk = func(t *domain.Task) {
		if t.Status.Active() {
			out = append(out, map[string]string{"task_id": t.ID, "title": t.Title, "status": string(t.Status)})
		}
		for _, c := range byParent[t.ID] {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

// TaskSpec describes one task in an assign_task batch.
type TaskSpec struct {
	Title       string
	Description string
	Priority    string
}

// AssignTaskInput selects one of the three assignment modes.
type AssignTaskInput struct {
	AgentID     string
	Title       string // mode A with Description
	Description string
	Priority    string
	Tasks       []TaskSpec // mode B
	TaskIDs     []string   // mode C, pre-existing unassigned tasks
	Override    bool       // skip the workload gate
}

// AssignTask creates and/or assigns tasks to an agent. Admin only.
func (g *TaskGraph) AssignTask(caller *auth.Identity, in AssignTaskInput) ([]*domain.Task, error) {
	if caller.Role != auth.RoleAdmin {
		return nil, domain.Unauthorized("assign_task requires the admin token")
	}
	modes := 0
	if in.Title != "" {
		modes++
	}
	if len(in.Tasks) > 0 {
		modes++
	}
	if len(in.TaskIDs) > 0 {
		modes++
	}
	if modes != 1 {
		return nil, domain.BadRequest("provide exactly one of task_title, tasks, or task_ids")
	}
	if in.AgentID == "" {
		return nil, domain.BadRequest("agent_id is required")
	}

	now := time.Now().UTC()
	var assigned []*domain.Task
	err := g.store.Write(func(tx *sql.Tx) error {
		agent, err := g.store.GetAgentTx(tx, in.AgentID)
		if err != nil {
			return err
		}
		if agent.Status.Terminal() {
			return domain.Conflict("agent %q is %s", agent.ID, agent.Status)
		}
		if !in.Override {
			if score, err := workloadScoreTx(tx, agent.ID); err != nil {
				return err
			} else if score > workloadLimit {
				return domain.Conflict("agent %q workload score %d exceeds limit %d", agent.ID, score, workloadLimit)
			}
		}

		specs := in.Tasks
		if in.Title != "" {
			specs = []TaskSpec{{Title: in.Title, Description: in.Description, Priority: in.Priority}}
		}
		// Created tasks attach under the active phase root; a new root would
		// open a second phase. Without an active phase the first created task
		// becomes the new root.
		root, err := g.activePhaseRootTx(tx)
		if err != nil {
			return err
		}
		rootDirty := false
		for _, spec := range specs {
			if strings.TrimSpace(spec.Title) == "" {
				return domain.BadRequest("task title must not be empty")
			}
			prio := spec.Priority
			if prio == "" {
				prio = domain.PriorityMedium
			}
			if !domain.ValidPriority(prio) {
				return domain.BadRequest("invalid priority %q", prio)
			}
			t := &domain.Task{
				ID:          newTaskID(),
				Title:       spec.Title,
				Description: spec.Description,
				AssignedTo:  agent.ID,
				CreatedBy:   "admin",
				Status:      domain.TaskPending,
				Priority:    prio,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if root != nil {
				t.ParentTask = root.ID
				root.ChildTasks = append(root.ChildTasks, t.ID)
				rootDirty = true
			}
			if err := g.store.InsertTask(tx, t); err != nil {
				return err
			}
			if root == nil {
				root = t
			}
			assigned = append(assigned, t)
		}
		if rootDirty {
			root.UpdatedAt = now
			if err := g.store.UpdateTask(tx, root); err != nil {
				return err
			}
		}
		for _, id := range in.TaskIDs {
			t, err := g.store.GetTaskTx(tx, id)
			if err != nil {
				return err
			}
			if t.AssignedTo != "" || t.Status != domain.TaskUnassigned {
				return domain.Conflict("task %q is not unassigned", id)
			}
			t.AssignedTo = agent.ID
			t.Status = domain.TaskPending
			t.UpdatedAt = now
			if err := g.store.UpdateTask(tx, t); err != nil {
				return err
			}
			assigned = append(assigned, t)
		}

		if agent.CurrentTask == "" && len(assigned) > 0 {
			agent.CurrentTask = assigned[0].ID
			agent.UpdatedAt = now
			if err := g.store.UpdateAgent(tx, agent); err != nil {
				return err
			}
		}
		ids := make([]string, len(assigned))
		for i, t := range assigned {
			ids[i] = t.ID
		}
		g.logAction(tx, "admin", "assigned_tasks", "", map[string]any{"agent_id": agent.ID, "task_ids": ids})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// workloadScoreTx is active task count + 2 x high-priority active count.
func workloadScoreTx(tx *sql.Tx, agentID string) (int, error) {
	rows, err := tx.Query("SELECT status, priority FROM tasks WHERE assigned_to = ?", agentID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	score := 0
	for rows.Next() {
		var status, prio string
		if err := rows.Scan(&status, &prio); err != nil {
			return 0, err
		}
		if !domain.TaskStatus(status).Active() {
			continue
		}
		score++
		if prio == domain.PriorityHigh {
			score += 2
		}
	}
	return score, rows.Err()
}

// UpdateTaskStatus moves tasks to a new status. Agents may only touch tasks
// assigned to them.
func (g *TaskGraph) UpdateTaskStatus(caller *auth.Identity, ids []string, status, notes string) ([]*domain.Task, error) {
	if !domain.ValidTaskStatus(status) {
		return nil, domain.BadRequest("invalid status %q", status)
	}
	if len(ids) == 0 {
		return nil, domain.BadRequest("task id is required")
	}
	now := time.Now().UTC()
	var updated []*domain.Task
	err := g.store.Write(func(tx *sql.Tx) error {
		for _, id := range ids {
			t, err := g.store.GetTaskTx(tx, id)
			if err != nil {
				return err
			}
			if caller.Role != auth.RoleAdmin && t.AssignedTo != caller.AgentID {
				return domain.Unauthorized("task %q is not assigned to you", id)
			}
			t.Status = domain.TaskStatus(status)
			if notes != "" {
				t.Notes = append(t.Notes, domain.TaskNote{
					Author:    callerName(caller),
					Timestamp: now,
					Content:   notes,
				})
			}
			t.UpdatedAt = now
			if err := g.store.UpdateTask(tx, t); err != nil {
				return err
			}
			g.logAction(tx, callerName(caller), "updated_task_status", id, map[string]any{"status": status})
			updated = append(updated, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ViewFilter narrows view_tasks output.
type ViewFilter struct {
	AgentID  string
	Status   string
	MaxTasks int
}

// ViewTasks returns the tasks visible to the caller: everything for admin,
// own plus unassigned plus created-by-me for agents.
func (g *TaskGraph) ViewTasks(caller *auth.Identity, f ViewFilter) ([]*domain.Task, error) {
	tasks, err := g.store.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*domain.Task
	for _, t := range tasks {
		if !visibleTo(caller, t) {
			continue
		}
		if f.AgentID != "" && t.AssignedTo != f.AgentID {
			continue
		}
		if f.Status != "" && string(t.Status) != f.Status {
			continue
		}
		out = append(out, t)
	}
	if f.MaxTasks > 0 && len(out) > f.MaxTasks {
		out = out[:f.MaxTasks]
	}
	return out, nil
}

func visibleTo(caller *auth.Identity, t *domain.Task) bool {
	if caller.Role == auth.RoleAdmin {
		return true
	}
	return t.AssignedTo == caller.AgentID || t.AssignedTo == "" || t.CreatedBy == caller.AgentID
}

// SearchOptions tune search_tasks.
type SearchOptions struct {
	Fields     []string // subset of title, description, notes
	MinScore   float64
	MaxResults int
}

// SearchResult is one ranked search hit.
type SearchResult struct {
	Task    *domain.Task `json:"task"`
	Score   float64      `json:"score"`
	Snippet string       `json:"snippet,omitempty"`
}

var searchFieldWeights = map[string]float64{
	"title":       3,
	"description": 2,
	"notes":       1,
}

// SearchTasks ranks visible tasks by field-weighted term frequency with
// whole-word and early-position bonuses.
func (g *TaskGraph) SearchTasks(caller *auth.Identity, query string, opts SearchOptions) ([]SearchResult, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, domain.BadRequest("query is required")
	}
	if len(opts.Fields) == 0 {
		opts.Fields = []string{"title", "description", "notes"}
	}
	for _, f := range opts.Fields {
		if _, ok := searchFieldWeights[f]; !ok {
			return nil, domain.BadRequest("unknown search field %q", f)
		}
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}

	tasks, err := g.store.ListTasks()
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	for _, t := range tasks {
		if !visibleTo(caller, t) {
			continue
		}
		score, snippet := scoreTask(t, terms, opts.Fields)
		if score <= 0 || score < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{Task: t, Score: score, Snippet: snippet})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results, nil
}

func searchTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 1 {
			terms = append(terms, w)
		}
	}
	return terms
}

func scoreTask(t *domain.Task, terms, fields []string) (float64, string) {
	fieldText := func(name string) string {
		switch name {
		case "title":
			return t.Title
		case "description":
			return t.Description
		case "notes":
			var b strings.Builder
			for _, n := range t.Notes {
				b.WriteString(n.Content)
				b.WriteString(" ")
			}
			return b.String()
		}
		return ""
	}

	var score float64
	snippet := ""
	for _, field := range fields {
		text := fieldText(field)
		lower := strings.ToLower(text)
		weight := searchFieldWeights[field]
		for _, term := range terms {
			count := strings.Count(lower, term)
			if count == 0 {
				continue
			}
			s := weight * float64(count)
			if containsWord(lower, term) {
				s += weight * 0.5
			}
			if pos := strings.Index(lower, term); pos >= 0 && pos < 50 {
				s += weight * 0.25
			}
			score += s
			if snippet == "" && field != "title" {
				snippet = makeSnippet(text, strings.Index(lower, term))
			}
		}
	}
	return score, snippet
}

// containsWord reports a whole-word occurrence of term in text.
func containsWord(text, term string) bool {
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9' || r == '_')
	}) {
		if w == term {
			return true
		}
	}
	return false
}

func makeSnippet(text string, pos int) string {
	if pos < 0 || text == "" {
		return ""
	}
	start := pos - 60
	if start < 0 {
		start = 0
	}
	end := pos + 60
	if end > len(text) {
		end = len(text)
	}
	s := text[start:end]
	if start > 0 {
		s = "…" + s
	}
	if end < len(text) {
		s += "…"
	}
	return s
}

// DeleteTaskInput are the delete_task parameters.
type DeleteTaskInput struct {
	TaskIDs         []string
	ForceDelete     bool
	CascadeChildren bool
	Confirm         string
}

// DeleteReport summarizes a deletion.
type DeleteReport struct {
	Deleted  []string `json:"deleted"`
	Orphaned []string `json:"orphaned,omitempty"`
}

// DeleteTask removes tasks, optionally cascading to descendants. Reference
// lists of surviving tasks are purged so the graph stays bidirectional.
func (g *TaskGraph) DeleteTask(caller *auth.Identity, in DeleteTaskInput) (*DeleteReport, error) {
	if caller.Role != auth.RoleAdmin {
		return nil, domain.Unauthorized("delete_task requires the admin token")
	}
	if len(in.TaskIDs) == 0 {
		return nil, domain.BadRequest("task_ids is required")
	}
	if len(in.TaskIDs) > 1 || in.ForceDelete || in.CascadeChildren {
		if in.Confirm != ConfirmDeletePhrase {
			return nil, domain.BadRequest("destructive deletion requires confirm=%q", ConfirmDeletePhrase)
		}
	}

	report := &DeleteReport{}
	err := g.store.Write(func(tx *sql.Tx) error {
		// resolve the full victim set first so cascades and purges see it
		victims := make(map[string]bool)
		var resolve func(id string) error
		resolve = func(id string) error {
			if victims[id] {
				return nil
			}
			t, err := g.store.GetTaskTx(tx, id)
			if err != nil {
				return err
			}
			victims[id] = true
			if in.CascadeChildren {
				children, err := g.store.ChildTasksTx(tx, t.ID)
				if err != nil {
					return err
				}
				for _, c := range children {
					if err := resolve(c.ID); err != nil {
						return err
					}
				}
			}
			return nil
		}
		for _, id := range in.TaskIDs {
			if err := resolve(id); err != nil {
				return err
			}
		}

		for id := range victims {
			refs, err := g.store.TasksReferencingTx(tx, id)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if victims[ref.ID] {
					continue
				}
				dependsOnIt := contains(ref.DependsOnTasks, id)
				if dependsOnIt && !in.ForceDelete {
					return domain.Conflict("task %q has dependent task %q; use force_delete", id, ref.ID)
				}
				ref.DependsOnTasks = remove(ref.DependsOnTasks, id)
				ref.ChildTasks = remove(ref.ChildTasks, id)
				ref.UpdatedAt = time.Now().UTC()
				if err := g.store.UpdateTask(tx, ref); err != nil {
					return err
				}
			}

			if !in.CascadeChildren {
				children, err := g.store.ChildTasksTx(tx, id)
				if err != nil {
					return err
				}
				for _, c := range children {
					if victims[c.ID] {
						continue
					}
					c.ParentTask = ""
					c.UpdatedAt = time.Now().UTC()
					if err := g.store.UpdateTask(tx, c); err != nil {
						return err
					}
					report.Orphaned = append(report.Orphaned, c.ID)
				}
			}
		}

		for id := range victims {
			if err := g.store.DeleteTask(tx, id); err != nil {
				return err
			}
			report.Deleted = append(report.Deleted, id)
			g.logAction(tx, "admin", "deleted_task", id, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(report.Deleted)
	return report, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// BulkOp is one operation in a bulk_task_operations batch.
type BulkOp struct {
	Action   string `json:"action"` // update_status, update_priority, add_note, reassign
	TaskID   string `json:"task_id"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	Note     string `json:"note,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

// BulkResult reports one operation outcome.
type BulkResult struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
}

// BulkTaskOperations applies a batch atomically. Any failure rolls back the
// whole batch.
func (g *TaskGraph) BulkTaskOperations(caller *auth.Identity, ops []BulkOp) ([]BulkResult, error) {
	if len(ops) == 0 {
		return nil, domain.BadRequest("operations is required")
	}
	now := time.Now().UTC()
	var results []BulkResult
	err := g.store.Write(func(tx *sql.Tx) error {
		results = results[:0]
		for i, op := range ops {
			if err := g.applyBulkOp(tx, caller, op, now); err != nil {
				return fmt.Errorf("operation %d (%s on %s): %w", i, op.Action, op.TaskID, err)
			}
			results = append(results, BulkResult{TaskID: op.TaskID, Action: op.Action, OK: true})
		}
		g.logAction(tx, callerName(caller), "bulk_task_operations", "", map[string]any{"count": len(ops)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (g *TaskGraph) applyBulkOp(tx *sql.Tx, caller *auth.Identity, op BulkOp, now time.Time) error {
	t, err := g.store.GetTaskTx(tx, op.TaskID)
	if err != nil {
		return err
	}
	if caller.Role != auth.RoleAdmin && t.AssignedTo != caller.AgentID {
		return domain.Unauthorized("task %q is not assigned to you", op.TaskID)
	}
	switch op.Action {
	case "update_status":
		if !domain.ValidTaskStatus(op.Status) {
			return domain.BadRequest("invalid status %q", op.Status)
		}
		t.Status = domain.TaskStatus(op.Status)
	case "update_priority":
		if !domain.ValidPriority(op.Priority) {
			return domain.BadRequest("invalid priority %q", op.Priority)
		}
		t.Priority = op.Priority
	case "add_note":
		if op.Note == "" {
			return domain.BadRequest("note must not be empty")
		}
		t.Notes = append(t.Notes, domain.TaskNote{Author: callerName(caller), Timestamp: now, Content: op.Note})
	case "reassign":
		if caller.Role != auth.RoleAdmin {
			return domain.Unauthorized("reassign is admin-only")
		}
		if op.Assignee != "" {
			if _, err := g.store.GetAgentTx(tx, op.Assignee); err != nil {
				return err
			}
		}
		t.AssignedTo = op.Assignee
	default:
		return domain.BadRequest("unknown bulk action %q", op.Action)
	}
	t.UpdatedAt = now
	return g.store.UpdateTask(tx, t)
}

// ActivePhaseRoots returns the roots of phases that still have in-flight
// work, oldest first.
func (g *TaskGraph) ActivePhaseRoots() ([]*domain.Task, error) {
	tasks, err := g.store.ListTasks()
	if err != nil {
		return nil, err
	}
	roots, byParent := indexTasks(tasks)
	var active []*domain.Task
	for _, r := range roots {
		if phaseActive(r, byParent) {
			active = append(active, r)
		}
	}
	return active, nil
}

// CheckPhaseInvariant refuses when more than one phase is active.
func (g *TaskGraph) CheckPhaseInvariant() error {
	active, err := g.ActivePhaseRoots()
	if err != nil {
		return err
	}
	if len(active) > 1 {
		ids := make([]string, len(active))
		for i, r := range active {
			ids[i] = r.ID
		}
		return domain.Conflict("multiple active phases: %s", strings.Join(ids, ", "))
	}
	return nil
}

// Package domain holds orchestration entities and shared enums.
// It has no dependencies on other packages.
package domain

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle state of a worker agent.
type AgentStatus string

const (
	AgentCreated    AgentStatus = "created"
	AgentActive     AgentStatus = "active"
	AgentTerminated AgentStatus = "terminated"
	AgentFailed     AgentStatus = "failed"
	AgentCompleted  AgentStatus = "completed"
)

// Terminal reports whether the agent can no longer accept work.
func (s AgentStatus) Terminal() bool {
	return s == AgentTerminated || s == AgentFailed || s == AgentCompleted
}

// Agent is the identity of a worker running inside a multiplexer session.
type Agent struct {
	ID               string      `json:"agent_id"`
	Token            string      `json:"-"` // never serialized outward
	Capabilities     []string    `json:"capabilities,omitempty"`
	Status           AgentStatus `json:"status"`
	CurrentTask      string      `json:"current_task,omitempty"`
	WorkingDirectory string      `json:"working_directory"`
	Color            int         `json:"color"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	TerminatedAt     time.Time   `json:"terminated_at,omitempty"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskUnassigned TaskStatus = "unassigned"
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskFailed     TaskStatus = "failed"
)

// Active reports whether the task still counts toward an active phase.
func (s TaskStatus) Active() bool {
	return s == TaskUnassigned || s == TaskPending || s == TaskInProgress
}

// ValidTaskStatus reports whether s is one of the recognized statuses.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskUnassigned, TaskPending, TaskInProgress, TaskCompleted, TaskCancelled, TaskFailed:
		return true
	}
	return false
}

// Priority levels for tasks.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p string) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// TaskNote is a single append-only note on a task.
type TaskNote struct {
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// Task is a unit of work in the task graph. ChildTasks mirrors the set of
// tasks whose ParentTask points here; both sides are maintained in the same
// transaction.
type Task struct {
	ID             string     `json:"task_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	CreatedBy      string     `json:"created_by"`
	Status         TaskStatus `json:"status"`
	Priority       string     `json:"priority"`
	ParentTask     string     `json:"parent_task,omitempty"`
	ChildTasks     []string   `json:"child_tasks,omitempty"`
	DependsOnTasks []string   `json:"depends_on_tasks,omitempty"`
	Notes          []TaskNote `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ContextEntry is a shared key/value row in the project context.
// Keys starting with BackupKeyPrefix are immutable snapshots.
type ContextEntry struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
	UpdatedBy   string          `json:"updated_by"`
	LastUpdated time.Time       `json:"last_updated"`
}

// BackupKeyPrefix marks project-context snapshot rows.
const BackupKeyPrefix = "__backup__"

// ActionLogEntry is one append-only audit record.
type ActionLogEntry struct {
	ID         int64           `json:"id"`
	AgentID    string          `json:"agent_id"`
	ActionType string          `json:"action_type"`
	TaskID     string          `json:"task_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Chunk source types.
const (
	SourceMarkdown = "markdown"
	SourceCode     = "code"
	SourceContext  = "context"
	SourceTask     = "task"
)

// Chunk is one indexed slice of a source, paired 1:1 with an embedding row
// at the same row id.
type Chunk struct {
	ID         int64           `json:"chunk_id"`
	SourceType string          `json:"source_type"`
	SourceRef  string          `json:"source_ref"`
	Text       string          `json:"chunk_text"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	IndexedAt  time.Time       `json:"indexed_at"`
}

// TransportSessionStatus is the liveness state of a protocol session.
type TransportSessionStatus string

const (
	SessionLive    TransportSessionStatus = "live"
	SessionIdle    TransportSessionStatus = "idle"
	SessionExpired TransportSessionStatus = "expired"
)

// TransportSession is protocol session state that survives client
// disconnects until ExpiresAt.
type TransportSession struct {
	ID            string                 `json:"session_id"`
	BoundAgentID  string                 `json:"bound_agent_id,omitempty"` // empty for admin sessions
	Admin         bool                   `json:"admin"`
	CreatedAt     time.Time              `json:"created_at"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	ExpiresAt     time.Time              `json:"expires_at"`
	Status        TransportSessionStatus `json:"status"`
}

// SessionState is one saved key under a transport session.
type SessionState struct {
	SessionID string          `json:"session_id"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// WorkerSession is a named multiplexer session running one agent.
type WorkerSession struct {
	Name      string    `json:"name"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

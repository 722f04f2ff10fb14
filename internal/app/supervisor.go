package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
	"github.com/rinadelph/agent-mcp/internal/tmux"
)

// colorPaletteSize bounds the round-robin agent color ordinal.
const colorPaletteSize = 8

// bootstrapDelay gives the worker client time to start before the prompt
// lands.
const bootstrapDelay = 3 * time.Second

// BootstrapPrompt is the single template for the first text delivered to a
// worker session. The token travels only inside this text, never through
// the environment.
func BootstrapPrompt(agentID, token string) string {
	if token == "" {
		return fmt.Sprintf(
			"You are background agent %s. Use the agent-mcp tools to pick up auxiliary work. "+
				"Coordinate through project context entries.", agentID)
	}
	return fmt.Sprintf(
		"You are agent %s. Your agent token is %s. "+
			"Use the agent-mcp tools with this token: check your assigned tasks with view_tasks, "+
			"record progress with update_task_status, and consult ask_project_rag before large changes.",
		agentID, token)
}

// Supervisor creates, terminates and watches worker agents. The in-memory
// maps mirror which multiplexer session and directory each live agent uses.
type Supervisor struct {
	store  *sqlite.Store
	authn  *auth.Authenticator
	mux    *tmux.Client
	logger *log.Logger

	serverURL     string
	workerCommand string

	// bootstrapWait is how long the worker client gets to start before the
	// prompt lands.
	bootstrapWait time.Duration

	mu         sync.Mutex
	lifetime   context.Context   // bounds deferred work like prompt delivery
	sessions   map[string]string // agent id -> session name
	workdirs   map[string]string // agent id -> working directory
	activated  map[string]bool   // agent ids already promoted to active
	colorIndex int
}

func NewSupervisor(store *sqlite.Store, authn *auth.Authenticator, mux *tmux.Client, serverURL, workerCommand string, logger *log.Logger) *Supervisor {
	sup := &Supervisor{
		store:         store,
		authn:         authn,
		mux:           mux,
		logger:        logger,
		serverURL:     serverURL,
		workerCommand: workerCommand,
		bootstrapWait: bootstrapDelay,
		lifetime:      context.Background(),
		sessions:      make(map[string]string),
		workdirs:      make(map[string]string),
		activated:     make(map[string]bool),
	}
	if agents, err := store.ListAgents(); err == nil {
		sup.colorIndex = len(agents) % colorPaletteSize
		// Session names are deterministic, so a restarted supervisor can keep
		// watching and relaunching the workers of earlier runs.
		for _, a := range agents {
			if a.Status.Terminal() {
				continue
			}
			sup.sessions[a.ID] = tmux.SanitizeName("agent-" + a.ID)
			sup.workdirs[a.ID] = a.WorkingDirectory
		}
	}
	return sup
}

// BindLifetime bounds deferred supervisor work, such as pending bootstrap
// prompts, to the server lifetime instead of individual requests.
func (sup *Supervisor) BindLifetime(ctx context.Context) {
	sup.mu.Lock()
	sup.lifetime = ctx
	sup.mu.Unlock()
}

// CreateAgentInput are the create_agent parameters.
type CreateAgentInput struct {
	AgentID      string
	TaskIDs      []string
	Capabilities []string
	WorkingDir   string
}

// CreatedAgent is the create_agent result. Token is returned once, here.
type CreatedAgent struct {
	Agent       *domain.Agent `json:"agent"`
	Token       string        `json:"token"`
	SessionName string        `json:"session_name,omitempty"`
	AttachHint  string        `json:"attach_hint,omitempty"`
}

// CreateAgent provisions a worker: token, color, task assignment and a
// multiplexer session carrying the bootstrap prompt.
func (sup *Supervisor) CreateAgent(ctx context.Context, caller *auth.Identity, in CreateAgentInput) (*CreatedAgent, error) {
	if caller.Role != auth.RoleAdmin {
		return nil, domain.Unauthorized("create_agent requires the admin token")
	}
	if in.AgentID == "" {
		return nil, domain.BadRequest("agent_id is required")
	}
	if len(in.TaskIDs) == 0 {
		return nil, domain.Conflict("an agent needs at least one task")
	}
	workdir := in.WorkingDir
	if workdir == "" {
		workdir = "."
	}

	token, err := auth.NewToken()
	if err != nil {
		return nil, domain.Internal("issue agent token: %v", err)
	}
	now := time.Now().UTC()
	agent := &domain.Agent{
		ID:               in.AgentID,
		Token:            token,
		Capabilities:     in.Capabilities,
		Status:           domain.AgentCreated,
		CurrentTask:      in.TaskIDs[0],
		WorkingDirectory: workdir,
		Color:            sup.nextColor(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = sup.store.Write(func(tx *sql.Tx) error {
		if err := sup.store.InsertAgent(tx, agent); err != nil {
			return err
		}
		for _, id := range in.TaskIDs {
			t, err := sup.store.GetTaskTx(tx, id)
			if err != nil {
				return err
			}
			if t.AssignedTo != "" {
				return domain.Conflict("task %q is already assigned to %q", id, t.AssignedTo)
			}
			t.AssignedTo = agent.ID
			t.Status = domain.TaskPending
			t.UpdatedAt = now
			if err := sup.store.UpdateTask(tx, t); err != nil {
				return err
			}
		}
		return sup.store.AppendAction(tx, &domain.ActionLogEntry{
			AgentID:    "admin",
			ActionType: "created_agent",
			Timestamp:  now,
			Details:    mustDetails(map[string]any{"agent_id": agent.ID, "task_count": len(in.TaskIDs)}),
		})
	})
	if err != nil {
		return nil, err
	}

	out := &CreatedAgent{Agent: agent, Token: token}
	session := sup.spawn(ctx, agent, token)
	if session != "" {
		out.SessionName = session
		out.AttachHint = "tmux attach -t " + session
	}
	return out, nil
}

// CreateBackgroundAgent provisions a standalone auxiliary worker: no tasks,
// no fresh token, no task-graph ties.
func (sup *Supervisor) CreateBackgroundAgent(ctx context.Context, caller *auth.Identity, agentID, workdir string) (*CreatedAgent, error) {
	if caller.Role != auth.RoleAdmin {
		return nil, domain.Unauthorized("create_background_agent requires the admin token")
	}
	if agentID == "" {
		return nil, domain.BadRequest("agent_id is required")
	}
	if workdir == "" {
		workdir = "."
	}
	// the row still needs a unique token, but it is never handed out: the
	// bootstrap prompt and the create result stay token-free
	token, err := auth.NewToken()
	if err != nil {
		return nil, domain.Internal("issue agent token: %v", err)
	}
	now := time.Now().UTC()
	agent := &domain.Agent{
		ID:               agentID,
		Token:            token,
		Status:           domain.AgentCreated,
		WorkingDirectory: workdir,
		Color:            sup.nextColor(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = sup.store.Write(func(tx *sql.Tx) error {
		if err := sup.store.InsertAgent(tx, agent); err != nil {
			return err
		}
		return sup.store.AppendAction(tx, &domain.ActionLogEntry{
			AgentID:    "admin",
			ActionType: "created_background_agent",
			Timestamp:  now,
			Details:    mustDetails(map[string]any{"agent_id": agent.ID}),
		})
	})
	if err != nil {
		return nil, err
	}
	out := &CreatedAgent{Agent: agent}
	if session := sup.spawn(ctx, agent, ""); session != "" {
		out.SessionName = session
		out.AttachHint = "tmux attach -t " + session
	}
	return out, nil
}

// spawn creates the worker session and walks it through announce, endpoint
// registration, client launch and the delayed bootstrap prompt. Returns the
// session name, or "" when the multiplexer is unavailable or spawning
// failed.
func (sup *Supervisor) spawn(ctx context.Context, agent *domain.Agent, token string) string {
	sup.mu.Lock()
	sup.workdirs[agent.ID] = agent.WorkingDirectory
	sup.mu.Unlock()

	if !sup.mux.Available() {
		sup.logger.Printf("agent %s created without a worker session (tmux unavailable)", agent.ID)
		return ""
	}
	session := tmux.SanitizeName("agent-" + agent.ID)
	if err := sup.mux.CreateSession(ctx, session, agent.WorkingDirectory); err != nil {
		sup.logger.Printf("Warning: worker session for %s not created: %v", agent.ID, err)
		return ""
	}
	sup.mu.Lock()
	sup.sessions[agent.ID] = session
	sup.mu.Unlock()

	steps := []string{
		fmt.Sprintf("echo 'agent %s worker session ready'", agent.ID),
		fmt.Sprintf("%s mcp add agent-mcp %s", sup.workerCommand, sup.serverURL),
		sup.workerCommand,
	}
	for _, cmd := range steps {
		if err := sup.mux.SendKeys(ctx, session, cmd); err != nil {
			sup.logger.Printf("Warning: worker setup command failed for %s: %v", agent.ID, err)
			return session
		}
	}

	// The prompt must outlive the create request: its context dies the moment
	// the tool handler returns, so the delay runs under the server lifetime.
	sup.mu.Lock()
	lifetime := sup.lifetime
	wait := sup.bootstrapWait
	sup.mu.Unlock()
	go func() {
		select {
		case <-time.After(wait):
		case <-lifetime.Done():
			return
		}
		prompt := BootstrapPrompt(agent.ID, token)
		if err := sup.mux.SendPrompt(lifetime, session, prompt); err != nil {
			sup.logger.Printf("Warning: bootstrap prompt delivery failed for %s: %v", agent.ID, err)
			return
		}
		sup.MarkActive(agent.ID)
	}()
	return session
}

// MarkActive promotes a created agent to active. Called on prompt delivery
// and on an agent's first successful authenticated tool call; later calls
// are no-ops.
func (sup *Supervisor) MarkActive(agentID string) {
	sup.mu.Lock()
	done := sup.activated[agentID]
	sup.mu.Unlock()
	if done {
		return
	}
	err := sup.store.Write(func(tx *sql.Tx) error {
		a, err := sup.store.GetAgentTx(tx, agentID)
		if err != nil {
			return err
		}
		if a.Status != domain.AgentCreated {
			return nil
		}
		a.Status = domain.AgentActive
		a.UpdatedAt = time.Now().UTC()
		return sup.store.UpdateAgent(tx, a)
	})
	if err != nil {
		sup.logger.Printf("mark active failed for %s: %v", agentID, err)
		return
	}
	sup.mu.Lock()
	sup.activated[agentID] = true
	sup.mu.Unlock()
}

// TerminateAgent retires an agent: one transaction flips the status, clears
// its current task and returns owned tasks to the unassigned pool, then the
// worker session is killed best-effort.
func (sup *Supervisor) TerminateAgent(ctx context.Context, caller *auth.Identity, agentID string) error {
	if caller.Role != auth.RoleAdmin {
		return domain.Unauthorized("terminate_agent requires the admin token")
	}
	return sup.retire(ctx, agentID, domain.AgentTerminated, "admin")
}

// retire is the shared path for termination and failure handling.
func (sup *Supervisor) retire(ctx context.Context, agentID string, status domain.AgentStatus, actor string) error {
	now := time.Now().UTC()
	err := sup.store.Write(func(tx *sql.Tx) error {
		agent, err := sup.store.GetAgentTx(tx, agentID)
		if err != nil {
			return err
		}
		if agent.Status.Terminal() {
			return domain.Conflict("agent %q is already %s", agentID, agent.Status)
		}
		agent.Status = status
		agent.CurrentTask = ""
		agent.UpdatedAt = now
		agent.TerminatedAt = now
		if err := sup.store.UpdateAgent(tx, agent); err != nil {
			return err
		}
		owned, err := queryRecentByAssignee(tx, agentID, 1<<30)
		if err != nil {
			return err
		}
		for _, brief := range owned {
			t, err := sup.store.GetTaskTx(tx, brief.ID)
			if err != nil {
				return err
			}
			if !t.Status.Active() {
				continue
			}
			t.AssignedTo = ""
			t.Status = domain.TaskUnassigned
			t.UpdatedAt = now
			if err := sup.store.UpdateTask(tx, t); err != nil {
				return err
			}
		}
		return sup.store.AppendAction(tx, &domain.ActionLogEntry{
			AgentID:    actor,
			ActionType: "agent_" + string(status),
			Timestamp:  now,
			Details:    mustDetails(map[string]any{"agent_id": agentID}),
		})
	})
	if err != nil {
		return err
	}

	sup.mu.Lock()
	session := sup.sessions[agentID]
	delete(sup.sessions, agentID)
	delete(sup.workdirs, agentID)
	delete(sup.activated, agentID)
	sup.mu.Unlock()
	if session != "" {
		if err := sup.mux.KillSession(ctx, session); err != nil {
			sup.logger.Printf("Warning: worker session %s not killed: %v", session, err)
		}
	}
	return nil
}

// RelaunchAgent rebuilds the worker session of a live agent, reusing its
// token.
func (sup *Supervisor) RelaunchAgent(ctx context.Context, caller *auth.Identity, agentID string) (*CreatedAgent, error) {
	if caller.Role != auth.RoleAdmin {
		return nil, domain.Unauthorized("relaunch_agent requires the admin token")
	}
	agent, err := sup.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status.Terminal() {
		return nil, domain.Conflict("agent %q is %s and cannot be relaunched", agentID, agent.Status)
	}

	sup.mu.Lock()
	old := sup.sessions[agentID]
	sup.mu.Unlock()
	if old != "" {
		_ = sup.mux.KillSession(ctx, old)
	}
	out := &CreatedAgent{Agent: agent}
	if session := sup.spawn(ctx, agent, agent.Token); session != "" {
		out.SessionName = session
		out.AttachHint = "tmux attach -t " + session
	}
	return out, nil
}

// SweepFailures marks agents whose worker session vanished as failed and
// frees their tasks. No-op without a multiplexer.
func (sup *Supervisor) SweepFailures(ctx context.Context) {
	if !sup.mux.Available() {
		return
	}
	sup.mu.Lock()
	tracked := make(map[string]string, len(sup.sessions))
	for id, name := range sup.sessions {
		tracked[id] = name
	}
	sup.mu.Unlock()

	for agentID, session := range tracked {
		if sup.mux.HasSession(ctx, session) {
			continue
		}
		agent, err := sup.store.GetAgent(agentID)
		if err != nil || agent.Status.Terminal() {
			continue
		}
		sup.logger.Printf("worker session %s gone, marking agent %s failed", session, agentID)
		if err := sup.retire(ctx, agentID, domain.AgentFailed, "supervisor"); err != nil {
			sup.logger.Printf("failure handling for %s: %v", agentID, err)
		}
	}
}

// SessionName returns the worker session of an agent, or "".
func (sup *Supervisor) SessionName(agentID string) string {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return sup.sessions[agentID]
}

// AgentStatusView is one row of view_status.
type AgentStatusView struct {
	Agent         *domain.Agent            `json:"agent"`
	SessionName   string                   `json:"session_name,omitempty"`
	SessionAlive  bool                     `json:"session_alive"`
	RecentActions []*domain.ActionLogEntry `json:"recent_actions,omitempty"`
}

// ViewStatus reports every agent with its session liveness and recent
// action-log entries.
func (sup *Supervisor) ViewStatus(ctx context.Context) ([]*AgentStatusView, error) {
	agents, err := sup.store.ListAgents()
	if err != nil {
		return nil, err
	}
	var out []*AgentStatusView
	for _, a := range agents {
		v := &AgentStatusView{Agent: a}
		v.SessionName = sup.SessionName(a.ID)
		if v.SessionName != "" {
			v.SessionAlive = sup.mux.HasSession(ctx, v.SessionName)
		}
		actions, err := sup.store.RecentActions(a.ID, 5)
		if err != nil {
			return nil, err
		}
		v.RecentActions = actions
		out = append(out, v)
	}
	return out, nil
}

func (sup *Supervisor) nextColor() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	c := sup.colorIndex
	sup.colorIndex = (sup.colorIndex + 1) % colorPaletteSize
	return c
}

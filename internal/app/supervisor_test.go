package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
	"github.com/rinadelph/agent-mcp/internal/tmux"
)

// newTestSupervisor wires a supervisor against a throwaway store with the
// multiplexer forced unavailable, so no real sessions spawn.
func newTestSupervisor(t *testing.T) (*Supervisor, *sqlite.Store) {
	t.Helper()
	t.Setenv("PATH", "")
	store := newTestStore(t)
	authn, err := auth.New(store)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	mux := tmux.New(testLogger())
	if mux.Available() {
		t.Fatal("tmux unexpectedly available with an empty PATH")
	}
	sup := NewSupervisor(store, authn, mux, "http://localhost:3001/mcp", "claude", testLogger())
	return sup, store
}

func TestCreateAgent(t *testing.T) {
	sup, store := newTestSupervisor(t)
	seedTask(t, store, &domain.Task{ID: "task_1", Title: "work"})

	if _, err := sup.CreateAgent(context.Background(), agentCaller("w0"), CreateAgentInput{AgentID: "w1", TaskIDs: []string{"task_1"}}); !domain.IsCode(err, domain.CodeUnauthorized) {
		t.Errorf("agent caller error = %v, want unauthorized", err)
	}
	if _, err := sup.CreateAgent(context.Background(), adminCaller, CreateAgentInput{AgentID: "w1"}); !domain.IsCode(err, domain.CodeConflict) {
		t.Errorf("no tasks error = %v, want conflict", err)
	}

	created, err := sup.CreateAgent(context.Background(), adminCaller, CreateAgentInput{
		AgentID: "w1", TaskIDs: []string{"task_1"}, Capabilities: []string{"code"},
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if len(created.Token) != 32 {
		t.Errorf("token length = %d, want 32", len(created.Token))
	}
	if created.Agent.CurrentTask != "task_1" || created.Agent.Status != domain.AgentCreated {
		t.Errorf("agent = %+v", created.Agent)
	}
	task, err := store.GetTask("task_1")
	if err != nil {
		t.Fatal(err)
	}
	if task.AssignedTo != "w1" || task.Status != domain.TaskPending {
		t.Errorf("task = %s/%s, want w1/pending", task.AssignedTo, task.Status)
	}

	// the token never serializes out of the agent record
	body, err := json.Marshal(created.Agent)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(body), created.Token) {
		t.Error("token leaked into the serialized agent")
	}
}

func TestCreateAgent_duplicateRollsBack(t *testing.T) {
	sup, store := newTestSupervisor(t)
	seedTask(t, store, &domain.Task{ID: "task_1", Title: "first"})
	seedTask(t, store, &domain.Task{ID: "task_2", Title: "second"})

	if _, err := sup.CreateAgent(context.Background(), adminCaller, CreateAgentInput{AgentID: "w1", TaskIDs: []string{"task_1"}}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := sup.CreateAgent(context.Background(), adminCaller, CreateAgentInput{AgentID: "w1", TaskIDs: []string{"task_2"}})
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Fatalf("duplicate create error = %v, want conflict", err)
	}
	// the failed creation must not have claimed the task
	task, err := store.GetTask("task_2")
	if err != nil {
		t.Fatal(err)
	}
	if task.AssignedTo != "" || task.Status != domain.TaskUnassigned {
		t.Errorf("task_2 touched by a rolled-back create: %s/%s", task.AssignedTo, task.Status)
	}
}

func TestCreateAgent_assignedTaskRefused(t *testing.T) {
	sup, store := newTestSupervisor(t)
	seedTask(t, store, &domain.Task{ID: "task_1", Title: "busy", AssignedTo: "other", Status: domain.TaskPending})
	_, err := sup.CreateAgent(context.Background(), adminCaller, CreateAgentInput{AgentID: "w1", TaskIDs: []string{"task_1"}})
	if !domain.IsCode(err, domain.CodeConflict) {
		t.Errorf("error = %v, want conflict", err)
	}
}

func TestTerminateAgent(t *testing.T) {
	sup, store := newTestSupervisor(t)
	seedTask(t, store, &domain.Task{ID: "task_1", Title: "work"})
	if _, err := sup.CreateAgent(context.Background(), adminCaller, CreateAgentInput{AgentID: "w1", TaskIDs: []string{"task_1"}}); err != nil {
		t.Fatal(err)
	}

	if err := sup.TerminateAgent(context.Background(), adminCaller, "w1"); err != nil {
		t.Fatalf("TerminateAgent: %v", err)
	}
	agent, err := store.GetAgent("w1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.AgentTerminated || agent.CurrentTask != "" || agent.TerminatedAt.IsZero() {
		t.Errorf("agent after terminate = %+v", agent)
	}
	task, err := store.GetTask("task_1")
	if err != nil {
		t.Fatal(err)
	}
	if task.AssignedTo != "" || task.Status != domain.TaskUnassigned {
		t.Errorf("task not returned to the pool: %s/%s", task.AssignedTo, task.Status)
	}

	// terminating twice is a conflict
	if err := sup.TerminateAgent(context.Background(), adminCaller, "w1"); !domain.IsCode(err, domain.CodeConflict) {
		t.Errorf("second terminate error = %v, want conflict", err)
	}
}

func TestCreateBackgroundAgent(t *testing.T) {
	sup, store := newTestSupervisor(t)
	created, err := sup.CreateBackgroundAgent(context.Background(), adminCaller, "bg-1", "")
	if err != nil {
		t.Fatalf("CreateBackgroundAgent: %v", err)
	}
	if created.Token != "" {
		t.Error("background agent creation handed out a token")
	}
	// two background agents must coexist
	if _, err := sup.CreateBackgroundAgent(context.Background(), adminCaller, "bg-2", ""); err != nil {
		t.Errorf("second background agent: %v", err)
	}
	if _, err := store.GetAgent("bg-2"); err != nil {
		t.Errorf("bg-2 not persisted: %v", err)
	}
}

// fakeTmuxSupervisor builds a supervisor over a stub tmux binary that logs
// its argv, so prompt delivery is observable.
func fakeTmuxSupervisor(t *testing.T) (*Supervisor, *sqlite.Store, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n"
	if err := os.WriteFile(filepath.Join(dir, "tmux"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	store := newTestStore(t)
	authn, err := auth.New(store)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	mux := tmux.New(testLogger())
	if !mux.Available() {
		t.Fatal("stub tmux not found on PATH")
	}
	sup := NewSupervisor(store, authn, mux, "http://localhost:3001/mcp", "claude", testLogger())
	return sup, store, logPath
}

func TestBootstrapPromptOutlivesRequest(t *testing.T) {
	sup, store, logPath := fakeTmuxSupervisor(t)
	sup.bootstrapWait = 10 * time.Millisecond
	seedTask(t, store, &domain.Task{ID: "task_1", Title: "work"})

	ctx, cancel := context.WithCancel(context.Background())
	created, err := sup.CreateAgent(ctx, adminCaller, CreateAgentInput{AgentID: "w1", TaskIDs: []string{"task_1"}})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	// the request context dies as soon as the tool handler returns
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for {
		body, _ := os.ReadFile(logPath)
		if strings.Contains(string(body), created.Token) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bootstrap prompt never delivered; tmux calls:\n%s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
	for {
		agent, err := store.GetAgent("w1")
		if err != nil {
			t.Fatal(err)
		}
		if agent.Status == domain.AgentActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent status = %s, want active after prompt delivery", agent.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSupervisorTracksWorkersAcrossRestart(t *testing.T) {
	sup, store := newTestSupervisor(t)
	seedTask(t, store, &domain.Task{ID: "task_1", Title: "work"})
	if _, err := sup.CreateAgent(context.Background(), adminCaller, CreateAgentInput{AgentID: "w1", TaskIDs: []string{"task_1"}, WorkingDir: "/srv/w1"}); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	err := store.Write(func(tx *sql.Tx) error {
		return store.InsertAgent(tx, &domain.Agent{
			ID: "dead", Token: strings.Repeat("d", 32), Status: domain.AgentTerminated,
			CreatedAt: now, UpdatedAt: now, TerminatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed terminated agent: %v", err)
	}

	// a fresh supervisor over the same store stands in for a restarted server
	fresh := NewSupervisor(store, sup.authn, sup.mux, sup.serverURL, sup.workerCommand, testLogger())
	if got := fresh.SessionName("w1"); got != "agent-w1" {
		t.Errorf("SessionName(w1) = %q, want agent-w1", got)
	}
	if got := fresh.SessionName("dead"); got != "" {
		t.Errorf("terminated agent tracked after restart: %q", got)
	}
	fresh.mu.Lock()
	workdir := fresh.workdirs["w1"]
	fresh.mu.Unlock()
	if workdir != "/srv/w1" {
		t.Errorf("workdir after restart = %q, want /srv/w1", workdir)
	}
}

func TestBootstrapPrompt(t *testing.T) {
	p := BootstrapPrompt("w1", "aabbccdd11223344")
	if !strings.Contains(p, "w1") || !strings.Contains(p, "aabbccdd11223344") {
		t.Errorf("worker prompt missing id or token: %q", p)
	}
	bg := BootstrapPrompt("bg-1", "")
	if strings.Contains(bg, "token") {
		t.Errorf("background prompt mentions a token: %q", bg)
	}
}

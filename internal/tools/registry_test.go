package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rinadelph/agent-mcp/internal/app"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newTestServer boots a full orchestrator over throwaway state with every
// tool category enabled and no multiplexer on PATH.
func newTestServer(t *testing.T) (*server.MCPServer, *app.Orchestrator) {
	t.Helper()
	t.Setenv("PATH", "")
	cfg := policy.DefaultConfig()
	cfg.ProjectDir = t.TempDir()
	orch, err := app.NewOrchestrator(policy.New(cfg), testLogger())
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	t.Cleanup(orch.Shutdown)

	s := server.NewMCPServer("test", "0.0.0")
	r := NewRegistry(s, orch, testLogger())
	if err := Register(r); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, cat := range []string{policy.CategoryAgentManagement, policy.CategoryTaskManagement} {
		if err := orch.Policy.SetCategory(cat, true); err != nil {
			t.Fatal(err)
		}
	}
	r.Apply()
	return s, orch
}

// callTool dispatches one tools/call through the MCP server.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	respBytes, err := json.Marshal(s.HandleMessage(context.Background(), reqJSON))
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("rpc error calling %s: %d %s", name, resp.Error.Code, resp.Error.Message)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func seedTask(t *testing.T, orch *app.Orchestrator, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := orch.Store.Write(func(tx *sql.Tx) error {
		return orch.Store.InsertTask(tx, &domain.Task{
			ID: id, Title: "work", CreatedBy: "admin",
			Status: domain.TaskUnassigned, Priority: domain.PriorityMedium,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

// createWorker provisions one agent through the tool surface and returns its
// token.
func createWorker(t *testing.T, s *server.MCPServer, orch *app.Orchestrator, agentID string) string {
	t.Helper()
	seedTask(t, orch, "task_"+agentID)
	result := callTool(t, s, "create_agent", map[string]any{
		"agent_id": agentID,
		"task_ids": []any{"task_" + agentID},
		"token":    orch.Auth.AdminToken(),
	})
	if result.IsError {
		t.Fatalf("create_agent failed: %s", resultText(t, result))
	}
	var payload struct {
		Result struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &payload); err != nil {
		t.Fatalf("decode create_agent result: %v", err)
	}
	if payload.Result.Token == "" {
		t.Fatal("create_agent returned no token")
	}
	return payload.Result.Token
}

func TestRevealToken(t *testing.T) {
	s, orch := newTestServer(t)
	admin := orch.Auth.AdminToken()
	agentToken := createWorker(t, s, orch, "w1")

	got := callTool(t, s, "reveal_token", map[string]any{"name": "admin", "token": admin})
	if got.IsError || !strings.Contains(resultText(t, got), admin) {
		t.Errorf("admin reveal = %s", resultText(t, got))
	}
	got = callTool(t, s, "reveal_token", map[string]any{"name": "w1", "token": admin})
	if got.IsError || !strings.Contains(resultText(t, got), agentToken) {
		t.Errorf("agent token reveal = %s", resultText(t, got))
	}

	// agents get a refusal, not each other's tokens
	got = callTool(t, s, "reveal_token", map[string]any{"name": "admin", "token": agentToken})
	if !got.IsError || !strings.Contains(resultText(t, got), domain.CodeUnauthorized) {
		t.Errorf("agent reveal = error %v, %s", got.IsError, resultText(t, got))
	}
	if strings.Contains(resultText(t, got), admin) {
		t.Error("refusal leaked the admin token")
	}

	got = callTool(t, s, "reveal_token", map[string]any{"name": "missing", "token": admin})
	if !got.IsError || !strings.Contains(resultText(t, got), domain.CodeNotFound) {
		t.Errorf("unknown name = error %v, %s", got.IsError, resultText(t, got))
	}
}

func TestFirstToolCallPromotesAgent(t *testing.T) {
	s, orch := newTestServer(t)
	agentToken := createWorker(t, s, orch, "w1")

	// no prompt delivery happened (tmux is unavailable), so the agent sits in
	// created until it proves itself
	agent, err := orch.Store.GetAgent("w1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.AgentCreated {
		t.Fatalf("status before first call = %s, want created", agent.Status)
	}

	got := callTool(t, s, "view_tasks", map[string]any{"token": agentToken})
	if got.IsError {
		t.Fatalf("view_tasks failed: %s", resultText(t, got))
	}
	agent, err = orch.Store.GetAgent("w1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != domain.AgentActive {
		t.Errorf("status after first call = %s, want active", agent.Status)
	}
}

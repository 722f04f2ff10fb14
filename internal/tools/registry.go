// Package tools exposes the MCP tool surface: a category-gated registry and
// the handlers over the orchestration core.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rinadelph/agent-mcp/internal/app"
	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

// entry is one registered tool.
type entry struct {
	tool     mcp.Tool
	handler  server.ToolHandlerFunc
	category string
	exposed  bool
}

// Registry keys tools by name and mirrors the enabled categories onto the
// MCP server. Registration is idempotent on name; a second registration of
// the same name is an error.
type Registry struct {
	srv    *server.MCPServer
	orch   *app.Orchestrator
	logger *log.Logger
	names  []string
	byName map[string]*entry
}

func NewRegistry(srv *server.MCPServer, orch *app.Orchestrator, logger *log.Logger) *Registry {
	return &Registry{
		srv:    srv,
		orch:   orch,
		logger: logger,
		byName: make(map[string]*entry),
	}
}

// add registers one tool under a category.
func (r *Registry) add(tool mcp.Tool, category string, handler server.ToolHandlerFunc) error {
	if !policy.ValidCategory(category) {
		return domain.Internal("tool %q uses unknown category %q", tool.Name, category)
	}
	if _, dup := r.byName[tool.Name]; dup {
		return domain.Internal("tool %q registered twice", tool.Name)
	}
	r.byName[tool.Name] = &entry{tool: tool, handler: handler, category: category}
	r.names = append(r.names, tool.Name)
	return nil
}

// Apply syncs the MCP server with the currently enabled categories. Safe to
// call again after a runtime category toggle.
func (r *Registry) Apply() {
	var expose, hide []string
	for _, name := range r.names {
		e := r.byName[name]
		enabled := r.orch.Policy.CategoryEnabled(e.category)
		switch {
		case enabled && !e.exposed:
			r.srv.AddTool(e.tool, e.handler)
			e.exposed = true
			expose = append(expose, name)
		case !enabled && e.exposed:
			hide = append(hide, name)
			e.exposed = false
		}
	}
	if len(hide) > 0 {
		r.srv.DeleteTools(hide...)
	}
	if len(expose) > 0 || len(hide) > 0 {
		r.logger.Printf("tool registry synced: +%d -%d (enabled categories: %v)",
			len(expose), len(hide), r.orch.Policy.EnabledCategories())
	}
}

// ToolCount returns the number of currently exposed tools.
func (r *Registry) ToolCount() int {
	n := 0
	for _, e := range r.byName {
		if e.exposed {
			n++
		}
	}
	return n
}

// ToolNames returns the exposed tool names, sorted.
func (r *Registry) ToolNames() []string {
	var out []string
	for name, e := range r.byName {
		if e.exposed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// identify resolves the caller: an explicit token argument wins, otherwise
// the transport session binding is used. A fresh token also (re)binds the
// session so later calls can omit it.
func (r *Registry) identify(ctx context.Context, args map[string]any) (*auth.Identity, error) {
	token, _ := args["token"].(string)
	if token == "" {
		token, _ = args["admin_token"].(string)
	}
	sessionID := ""
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		sessionID = cs.SessionID()
	}
	if token != "" {
		if sessionID != "" {
			return r.orch.Sessions.Bind(sessionID, token)
		}
		return r.orch.Auth.Verify(token)
	}
	if sessionID != "" {
		if id, err := r.orch.Sessions.Identity(sessionID); err == nil {
			return id, nil
		}
	}
	return nil, domain.Unauthorized("no token provided and no session binding")
}

// wireError is the structured error payload of a failed tool call.
type wireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// handler adapts a typed handler to the MCP surface: identity resolution,
// heartbeat slide, JSON result encoding, the one-shot recovery marker, and
// wire error mapping.
func (r *Registry) handler(name string, fn func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		caller, err := r.identify(ctx, args)
		if err != nil {
			return r.fail(name, "", err), nil
		}

		sessionID := ""
		if cs := server.ClientSessionFromContext(ctx); cs != nil {
			sessionID = cs.SessionID()
			r.orch.Sessions.Touch(sessionID)
		}
		if err := ctx.Err(); err != nil {
			return r.fail(name, callerLabel(caller), domain.Cancelled("request cancelled")), nil
		}

		out, err := fn(ctx, caller, args)
		if err != nil {
			return r.fail(name, callerLabel(caller), err), nil
		}
		// A worker proves liveness by doing work; the first successful call
		// under its token promotes it from created to active even when the
		// bootstrap prompt could not be delivered.
		if caller.Role == auth.RoleAgent {
			r.orch.Supervisor.MarkActive(caller.AgentID)
		}

		payload := map[string]any{"result": out}
		if sessionID != "" {
			if recovered, saved := r.orch.Sessions.ConsumeRecovered(sessionID); recovered {
				payload["recovered"] = true
				payload["saved_states"] = saved
			}
		}
		body, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return r.fail(name, callerLabel(caller), domain.Internal("encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func callerLabel(id *auth.Identity) string {
	if id.Role == auth.RoleAdmin {
		return "admin"
	}
	return id.AgentID
}

// fail maps any error onto the wire error shape. Internal errors also leave
// an action-log trace with the method name; token values never appear.
func (r *Registry) fail(method, caller string, err error) *mcp.CallToolResult {
	we := wireError{Code: domain.CodeOf(err)}
	var de *domain.Error
	if errors.As(err, &de) {
		we.Message = de.Message
		we.Details = de.Details
	} else {
		we.Message = err.Error()
	}
	if we.Code == domain.CodeInternal {
		we.Message = "internal error"
		r.logger.Printf("internal error in %s (caller=%s): %v", method, caller, err)
		r.orch.LogError(caller, method, err)
	}
	body, _ := json.Marshal(map[string]any{"error": we})
	return mcp.NewToolResultError(string(body))
}

package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
)

// registerResources adds the read-only resource surface. Everything is
// derived from live store and supervisor state on each read; token values
// are always masked.
func registerResources(r *Registry) {
	s := r.srv

	jsonContents := func(uri string, v any) ([]mcp.ResourceContents, error) {
		body, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(body)},
		}, nil
	}

	s.AddResourceTemplate(
		mcp.NewResourceTemplate("agent://{id}", "Agent record",
			mcp.WithTemplateDescription("Status, current task and worker session of one agent."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			id := strings.TrimPrefix(req.Params.URI, "agent://")
			agent, err := r.orch.Store.GetAgent(id)
			if err != nil {
				return nil, err
			}
			return jsonContents(req.Params.URI, map[string]any{
				"agent":        agent,
				"session_name": r.orch.Supervisor.SessionName(id),
			})
		},
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate("task://{id}", "Task record",
			mcp.WithTemplateDescription("One task with status, assignee, relations and notes."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			id := strings.TrimPrefix(req.Params.URI, "task://")
			task, err := r.orch.Store.GetTask(id)
			if err != nil {
				return nil, err
			}
			return jsonContents(req.Params.URI, task)
		},
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate("tmux://{session}", "Worker session buffer",
			mcp.WithTemplateDescription("Visible text buffer of one worker session."),
			mcp.WithTemplateMIMEType("text/plain"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			name := strings.TrimPrefix(req.Params.URI, "tmux://")
			text, err := r.orch.Tmux.Capture(ctx, name)
			if err != nil {
				return nil, domain.NotFound("session %q not readable: %v", name, err)
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: text},
			}, nil
		},
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate("token://{name}", "Masked token",
			mcp.WithTemplateDescription("Masked token of the admin or one agent. Cleartext requires the admin-only reveal_token tool."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			name := strings.TrimPrefix(req.Params.URI, "token://")
			var token string
			if name == "admin" {
				token = r.orch.Auth.AdminToken()
			} else {
				agent, err := r.orch.Store.GetAgent(name)
				if err != nil {
					return nil, err
				}
				token = agent.Token
			}
			return jsonContents(req.Params.URI, map[string]any{
				"name":  name,
				"token": auth.Mask(token),
			})
		},
	)

	s.AddResource(
		mcp.NewResource("agent-mcp://templates/create_agent", "create_agent template",
			mcp.WithResourceDescription("Parameter template for creating a worker agent."),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return jsonContents(req.Params.URI, map[string]any{
				"tool": "create_agent",
				"arguments": map[string]any{
					"agent_id":          "worker-1",
					"task_ids":          []string{"task_xxxxxxxx"},
					"capabilities":      []string{"code"},
					"working_directory": ".",
				},
			})
		},
	)

	s.AddResource(
		mcp.NewResource("agent-mcp://templates/assign_task", "assign_task template",
			mcp.WithResourceDescription("Parameter template for assigning work to an agent."),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return jsonContents(req.Params.URI, map[string]any{
				"tool": "assign_task",
				"arguments": map[string]any{
					"agent_id":         "worker-1",
					"task_title":       "Describe the work",
					"task_description": "What done looks like, constraints, relevant files.",
					"priority":         domain.PriorityMedium,
				},
			})
		},
	)
}

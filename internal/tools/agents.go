package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rinadelph/agent-mcp/internal/app"
	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

func registerCreateAgent(r *Registry) error {
	return r.add(
		mcp.NewTool("create_agent",
			mcp.WithDescription("Create a worker agent with assigned tasks and a multiplexer session. Admin only. The agent token is returned once."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Unique agent identifier")),
			mcp.WithArray("task_ids", mcp.Required(), mcp.Description("Unassigned task ids the agent will own")),
			mcp.WithArray("capabilities", mcp.Description("Free-form capability tags")),
			mcp.WithString("working_directory", mcp.Description("Worker session working directory")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryAgentManagement,
		r.handler("create_agent", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return nil, err
			}
			return r.orch.Supervisor.CreateAgent(ctx, caller, app.CreateAgentInput{
				AgentID:      agentID,
				TaskIDs:      stringList(args, "task_ids"),
				Capabilities: stringList(args, "capabilities"),
				WorkingDir:   optionalString(args, "working_directory"),
			})
		}),
	)
}

func registerTerminateAgent(r *Registry) error {
	return r.add(
		mcp.NewTool("terminate_agent",
			mcp.WithDescription("Terminate an agent, free its tasks and kill its worker session. Admin only."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to terminate")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryAgentManagement,
		r.handler("terminate_agent", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return nil, err
			}
			if err := r.orch.Supervisor.TerminateAgent(ctx, caller, agentID); err != nil {
				return nil, err
			}
			return map[string]any{"terminated": agentID}, nil
		}),
	)
}

func registerListAgents(r *Registry) error {
	return r.add(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List all agents with status and current task. Tokens are never included."),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryAgentManagement,
		r.handler("list_agents", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			return r.orch.Store.ListAgents()
		}),
	)
}

func registerViewStatus(r *Registry) error {
	return r.add(
		mcp.NewTool("view_status",
			mcp.WithDescription("Agent overview with worker-session liveness and recent activity."),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryAgentManagement,
		r.handler("view_status", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			return r.orch.Supervisor.ViewStatus(ctx)
		}),
	)
}

func registerRelaunchAgent(r *Registry) error {
	return r.add(
		mcp.NewTool("relaunch_agent",
			mcp.WithDescription("Rebuild the worker session of a live agent, reusing its token. Admin only."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to relaunch")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryAgentManagement,
		r.handler("relaunch_agent", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return nil, err
			}
			return r.orch.Supervisor.RelaunchAgent(ctx, caller, agentID)
		}),
	)
}

// registerRevealToken adds the explicit cleartext token read. Everything
// else, resources included, only ever shows masked values.
func registerRevealToken(r *Registry) error {
	return r.add(
		mcp.NewTool("reveal_token",
			mcp.WithDescription("Reveal the cleartext token of the admin or one agent. Admin only."),
			mcp.WithString("name", mcp.Required(), mcp.Description("\"admin\" or an agent id")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryAgentManagement,
		r.handler("reveal_token", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			if caller.Role != auth.RoleAdmin {
				return nil, domain.Unauthorized("reveal_token requires the admin token")
			}
			name, err := requireString(args, "name")
			if err != nil {
				return nil, err
			}
			if name == "admin" {
				return map[string]any{"name": name, "token": r.orch.Auth.AdminToken()}, nil
			}
			agent, err := r.orch.Store.GetAgent(name)
			if err != nil {
				return nil, err
			}
			return map[string]any{"name": name, "token": agent.Token}, nil
		}),
	)
}

func registerCreateBackgroundAgent(r *Registry) error {
	return r.add(
		mcp.NewTool("create_background_agent",
			mcp.WithDescription("Create a standalone auxiliary worker: no tasks, no fresh token. Admin only."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Unique agent identifier")),
			mcp.WithString("working_directory", mcp.Description("Worker session working directory")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryBackgroundAgents,
		r.handler("create_background_agent", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return nil, err
			}
			return r.orch.Supervisor.CreateBackgroundAgent(ctx, caller, agentID, optionalString(args, "working_directory"))
		}),
	)
}

package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

// registerHealth adds the health probe tool.
func registerHealth(r *Registry) error {
	return r.add(
		mcp.NewTool("health",
			mcp.WithDescription("Server health: store tables, vector index and provider availability, enabled tool categories."),
			mcp.WithString("token", mcp.Description("Admin or agent token (optional when the session is already bound)")),
		),
		policy.CategoryBasic,
		r.handler("health", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			report, err := r.orch.Store.Health()
			if err != nil {
				return nil, err
			}
			report.VSSAvailable = r.orch.Index.Available()
			return map[string]any{
				"status":             "ok",
				"store":              report,
				"provider_available": r.orch.Chain.Available(ctx),
				"enabled_categories": r.orch.Policy.EnabledCategories(),
				"tool_count":         r.ToolCount(),
			}, nil
		}),
	)
}

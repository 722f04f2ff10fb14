package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rinadelph/agent-mcp/internal/app"
	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

func rawValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, domain.BadRequest("value is required")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, domain.BadRequest("value is not valid JSON: %v", err)
	}
	return b, nil
}

func registerViewProjectContext(r *Registry) error {
	return r.add(
		mcp.NewTool("view_project_context",
			mcp.WithDescription("Read shared project context entries. Omit keys to list everything."),
			mcp.WithArray("keys", mcp.Description("Specific keys to fetch")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryMemory,
		r.handler("view_project_context", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			return r.orch.Context.View(stringList(args, "keys"))
		}),
	)
}

func registerUpdateProjectContext(r *Registry) error {
	return r.add(
		mcp.NewTool("update_project_context",
			mcp.WithDescription("Create or update one shared project context entry."),
			mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
			mcp.WithObject("value", mcp.Description("Entry value, any JSON")),
			mcp.WithString("description", mcp.Description("What this entry holds")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryMemory,
		r.handler("update_project_context", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			key, err := requireString(args, "key")
			if err != nil {
				return nil, err
			}
			value, err := rawValue(args["value"])
			if err != nil {
				return nil, err
			}
			return r.orch.Context.Update(caller, app.ContextUpdate{
				Key:         key,
				Value:       value,
				Description: optionalString(args, "description"),
			})
		}),
	)
}

func registerBulkUpdateProjectContext(r *Registry) error {
	return r.add(
		mcp.NewTool("bulk_update_project_context",
			mcp.WithDescription("Create or update several project context entries atomically."),
			mcp.WithArray("entries", mcp.Required(), mcp.Description("Objects with key, value and optional description")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryMemory,
		r.handler("bulk_update_project_context", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			raw, ok := args["entries"].([]any)
			if !ok || len(raw) == 0 {
				return nil, domain.BadRequest("entries is required")
			}
			var updates []app.ContextUpdate
			for _, item := range raw {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, domain.BadRequest("each entry must be an object")
				}
				key, _ := m["key"].(string)
				value, err := rawValue(m["value"])
				if err != nil {
					return nil, err
				}
				desc, _ := m["description"].(string)
				updates = append(updates, app.ContextUpdate{Key: key, Value: value, Description: desc})
			}
			return r.orch.Context.BulkUpdate(caller, updates)
		}),
	)
}

func registerDeleteProjectContext(r *Registry) error {
	return r.add(
		mcp.NewTool("delete_project_context",
			mcp.WithDescription("Delete one project context entry. Admin only."),
			mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryMemory,
		r.handler("delete_project_context", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			key, err := requireString(args, "key")
			if err != nil {
				return nil, err
			}
			if err := r.orch.Context.Delete(caller, key); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": key}, nil
		}),
	)
}

func registerBackupProjectContext(r *Registry) error {
	return r.add(
		mcp.NewTool("backup_project_context",
			mcp.WithDescription("Snapshot, list or restore project context backups. Admin only for create/restore."),
			mcp.WithString("action", mcp.Description("create (default), list, or restore"),
				mcp.Enum("create", "list", "restore")),
			mcp.WithString("backup_id", mcp.Description("Backup to restore")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryMemory,
		r.handler("backup_project_context", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			switch optionalString(args, "action") {
			case "", "create":
				return r.orch.Context.Backup(caller)
			case "list":
				return r.orch.Context.ListBackups()
			case "restore":
				id, err := requireString(args, "backup_id")
				if err != nil {
					return nil, err
				}
				n, err := r.orch.Context.Restore(caller, id)
				if err != nil {
					return nil, err
				}
				return map[string]any{"restored_entries": n, "backup_id": id}, nil
			default:
				return nil, domain.BadRequest("unknown action %q", args["action"])
			}
		}),
	)
}

func registerValidateContextConsistency(r *Registry) error {
	return r.add(
		mcp.NewTool("validate_context_consistency",
			mcp.WithDescription("Audit cross-entity invariants (agent/task links, task graph lists, chunk pairing). Reports only, heals nothing."),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryMemory,
		r.handler("validate_context_consistency", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			return app.ValidateConsistency(r.orch.Store)
		}),
	)
}

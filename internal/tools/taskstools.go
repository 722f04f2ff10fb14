package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rinadelph/agent-mcp/internal/app"
	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

func registerCreateSelfTask(r *Registry) error {
	return r.add(
		mcp.NewTool("create_self_task",
			mcp.WithDescription("Create a task for yourself. Agents attach under their current task or an explicit parent; a new root task needs an idle task graph."),
			mcp.WithString("task_title", mcp.Required(), mcp.Description("Short task title")),
			mcp.WithString("task_description", mcp.Description("Detailed description")),
			mcp.WithString("priority", mcp.Description("low, medium (default) or high"),
				mcp.Enum(domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh)),
			mcp.WithString("parent_task_id", mcp.Description("Parent task; defaults to the caller's current task")),
			mcp.WithArray("depends_on_tasks", mcp.Description("Task ids this task depends on")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryTaskManagement,
		r.handler("create_self_task", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			title, err := requireString(args, "task_title")
			if err != nil {
				return nil, err
			}
			return r.orch.Tasks.CreateSelfTask(caller, app.CreateSelfTaskInput{
				Title:       title,
				Description: optionalString(args, "task_description"),
				Priority:    optionalString(args, "priority"),
				ParentID:    optionalString(args, "parent_task_id"),
				DependsOn:   stringList(args, "depends_on_tasks"),
			})
		}),
	)
}

func registerAssignTask(r *Registry) error {
	return r.add(
		mcp.NewTool("assign_task",
			mcp.WithDescription("Assign work to an agent: one new task (task_title), a batch of new tasks (tasks), or existing unassigned tasks (task_ids). Admin only."),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("Assignee agent")),
			mcp.WithString("task_title", mcp.Description("Mode A: new task title")),
			mcp.WithString("task_description", mcp.Description("Mode A: new task description")),
			mcp.WithString("priority", mcp.Description("Mode A: priority"),
				mcp.Enum(domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh)),
			mcp.WithArray("tasks", mcp.Description("Mode B: objects with title, description, priority")),
			mcp.WithArray("task_ids", mcp.Description("Mode C: existing unassigned task ids")),
			mcp.WithBoolean("override_workload", mcp.Description("Skip the workload gate")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryTaskManagement,
		r.handler("assign_task", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return nil, err
			}
			in := app.AssignTaskInput{
				AgentID:     agentID,
				Title:       optionalString(args, "task_title"),
				Description: optionalString(args, "task_description"),
				Priority:    optionalString(args, "priority"),
				TaskIDs:     stringList(args, "task_ids"),
				Override:    optionalBool(args, "override_workload"),
			}
			if raw, ok := args["tasks"].([]any); ok {
				for _, item := range raw {
					m, ok := item.(map[string]any)
					if !ok {
						return nil, domain.BadRequest("each task must be an object")
					}
					title, _ := m["title"].(string)
					desc, _ := m["description"].(string)
					prio, _ := m["priority"].(string)
					in.Tasks = append(in.Tasks, app.TaskSpec{Title: title, Description: desc, Priority: prio})
				}
			}
			return r.orch.Tasks.AssignTask(caller, in)
		}),
	)
}

func registerViewTasks(r *Registry) error {
	return r.add(
		mcp.NewTool("view_tasks",
			mcp.WithDescription("List tasks visible to you: everything for admin; own, unassigned and created-by-you for agents."),
			mcp.WithString("agent_id", mcp.Description("Filter by assignee")),
			mcp.WithString("status", mcp.Description("Filter by status")),
			mcp.WithNumber("max_tasks", mcp.Description("Cap the result size")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryTaskManagement,
		r.handler("view_tasks", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			return r.orch.Tasks.ViewTasks(caller, app.ViewFilter{
				AgentID:  optionalString(args, "agent_id"),
				Status:   optionalString(args, "status"),
				MaxTasks: int(optionalFloat64(args, "max_tasks", 0)),
			})
		}),
	)
}

func registerUpdateTaskStatus(r *Registry) error {
	return r.add(
		mcp.NewTool("update_task_status",
			mcp.WithDescription("Move one or more tasks to a new status, optionally appending a note. Agents may only touch their own tasks."),
			mcp.WithString("task_id", mcp.Description("Single task id")),
			mcp.WithArray("task_ids", mcp.Description("Several task ids")),
			mcp.WithString("status", mcp.Required(), mcp.Description("New status")),
			mcp.WithString("notes", mcp.Description("Progress note to append")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryTaskManagement,
		r.handler("update_task_status", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			status, err := requireString(args, "status")
			if err != nil {
				return nil, err
			}
			ids := stringList(args, "task_ids")
			if single := optionalString(args, "task_id"); single != "" {
				ids = append([]string{single}, ids...)
			}
			return r.orch.Tasks.UpdateTaskStatus(caller, ids, status, optionalString(args, "notes"))
		}),
	)
}

func registerSearchTasks(r *Registry) error {
	return r.add(
		mcp.NewTool("search_tasks",
			mcp.WithDescription("Rank visible tasks against a query. Field-weighted scoring with snippets."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
			mcp.WithArray("search_fields", mcp.Description("Subset of title, description, notes")),
			mcp.WithNumber("min_relevance_score", mcp.Description("Drop results below this score")),
			mcp.WithNumber("max_results", mcp.Description("Cap the result size, default 20")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryTaskManagement,
		r.handler("search_tasks", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			return r.orch.Tasks.SearchTasks(caller, query, app.SearchOptions{
				Fields:     stringList(args, "search_fields"),
				MinScore:   optionalFloat64(args, "min_relevance_score", 0),
				MaxResults: int(optionalFloat64(args, "max_results", 0)),
			})
		}),
	)
}

func registerDeleteTask(r *Registry) error {
	return r.add(
		mcp.NewTool("delete_task",
			mcp.WithDescription("Delete tasks. Dependents block deletion unless force_delete; cascade_children removes whole subtrees. Destructive variants need confirm=\""+app.ConfirmDeletePhrase+"\". Admin only."),
			mcp.WithString("task_id", mcp.Description("Single task id")),
			mcp.WithArray("task_ids", mcp.Description("Several task ids")),
			mcp.WithBoolean("force_delete", mcp.Description("Delete even with dependents")),
			mcp.WithBoolean("cascade_children", mcp.Description("Also delete all descendants")),
			mcp.WithString("confirm", mcp.Description("Literal confirmation phrase")),
			mcp.WithString("token", mcp.Description("Admin token")),
		),
		policy.CategoryTaskManagement,
		r.handler("delete_task", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			ids := stringList(args, "task_ids")
			if single := optionalString(args, "task_id"); single != "" {
				ids = append([]string{single}, ids...)
			}
			return r.orch.Tasks.DeleteTask(caller, app.DeleteTaskInput{
				TaskIDs:         ids,
				ForceDelete:     optionalBool(args, "force_delete"),
				CascadeChildren: optionalBool(args, "cascade_children"),
				Confirm:         optionalString(args, "confirm"),
			})
		}),
	)
}

func registerBulkTaskOperations(r *Registry) error {
	return r.add(
		mcp.NewTool("bulk_task_operations",
			mcp.WithDescription("Apply a batch of task operations atomically: update_status, update_priority, add_note, reassign (admin only). Any failure rolls back the whole batch."),
			mcp.WithArray("operations", mcp.Required(), mcp.Description("Objects with action, task_id and the action's fields")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryTaskManagement,
		r.handler("bulk_task_operations", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			raw, ok := args["operations"].([]any)
			if !ok || len(raw) == 0 {
				return nil, domain.BadRequest("operations is required")
			}
			var ops []app.BulkOp
			for _, item := range raw {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, domain.BadRequest("each operation must be an object")
				}
				op := app.BulkOp{}
				op.Action, _ = m["action"].(string)
				op.TaskID, _ = m["task_id"].(string)
				op.Status, _ = m["status"].(string)
				op.Priority, _ = m["priority"].(string)
				op.Note, _ = m["note"].(string)
				op.Assignee, _ = m["assignee"].(string)
				ops = append(ops, op)
			}
			return r.orch.Tasks.BulkTaskOperations(caller, ops)
		}),
	)
}

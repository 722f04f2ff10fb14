package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/knowledge"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

// registerAskProjectRAG adds the hybrid retrieval question tool.
func registerAskProjectRAG(r *Registry) error {
	return r.add(
		mcp.NewTool("ask_project_rag",
			mcp.WithDescription("Ask a question about the project. Answers from indexed files, tasks and project context."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Natural language question")),
			mcp.WithString("model", mcp.Description("Override chat model for this call")),
			mcp.WithNumber("k", mcp.Description("Vector top-k override")),
			mcp.WithNumber("max_context_tokens", mcp.Description("Context budget override")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryRAG,
		r.handler("ask_project_rag", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			return r.orch.Retriever.Answer(ctx, query, knowledge.Options{
				K:      int(optionalFloat64(args, "k", 0)),
				Budget: int(optionalFloat64(args, "max_context_tokens", 0)),
				Model:  optionalString(args, "model"),
			})
		}),
	)
}

// registerGetRAGStatus adds the indexer/vector status tool.
func registerGetRAGStatus(r *Registry) error {
	return r.add(
		mcp.NewTool("get_rag_status",
			mcp.WithDescription("Indexer and vector index status: chunk counts, last cycle, degraded-mode flag."),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryRAG,
		r.handler("get_rag_status", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			return r.orch.Indexer.Status()
		}),
	)
}

// registerRunIndexingCycle adds the on-demand cycle trigger. The cycle runs
// synchronously so callers observe its effects.
func registerRunIndexingCycle(r *Registry) error {
	return r.add(
		mcp.NewTool("run_indexing_cycle",
			mcp.WithDescription("Run one knowledge indexing cycle now instead of waiting for the timer."),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategoryRAG,
		r.handler("run_indexing_cycle", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			if err := r.orch.Indexer.Cycle(ctx); err != nil {
				return nil, err
			}
			return r.orch.Indexer.Status()
		}),
	)
}

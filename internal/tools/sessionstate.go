package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

// sessionFrom extracts the transport session id, required by the state
// tools.
func sessionFrom(ctx context.Context) (string, error) {
	if cs := server.ClientSessionFromContext(ctx); cs != nil && cs.SessionID() != "" {
		return cs.SessionID(), nil
	}
	return "", domain.BadRequest("session state tools need a transport session")
}

func registerSaveSessionState(r *Registry) error {
	return r.add(
		mcp.NewTool("save_session_state",
			mcp.WithDescription("Save a value under this transport session, recoverable after a reconnect."),
			mcp.WithString("key", mcp.Required(), mcp.Description("State key")),
			mcp.WithObject("data", mcp.Description("State value, any JSON")),
			mcp.WithNumber("expires_in_hours", mcp.Description("Time to live, default 24")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategorySessionState,
		r.handler("save_session_state", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			sessionID, err := sessionFrom(ctx)
			if err != nil {
				return nil, err
			}
			key, err := requireString(args, "key")
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(args["data"])
			if err != nil {
				return nil, domain.BadRequest("data is not valid JSON: %v", err)
			}
			if err := r.orch.Sessions.SaveState(sessionID, key, data, optionalFloat64(args, "expires_in_hours", 0)); err != nil {
				return nil, err
			}
			return map[string]any{"saved": key}, nil
		}),
	)
}

func registerLoadSessionState(r *Registry) error {
	return r.add(
		mcp.NewTool("load_session_state",
			mcp.WithDescription("Load a value saved under this transport session."),
			mcp.WithString("key", mcp.Required(), mcp.Description("State key")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategorySessionState,
		r.handler("load_session_state", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			sessionID, err := sessionFrom(ctx)
			if err != nil {
				return nil, err
			}
			key, err := requireString(args, "key")
			if err != nil {
				return nil, err
			}
			return r.orch.Sessions.LoadState(sessionID, key)
		}),
	)
}

func registerListSessionStates(r *Registry) error {
	return r.add(
		mcp.NewTool("list_session_states",
			mcp.WithDescription("List the keys saved under this transport session."),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategorySessionState,
		r.handler("list_session_states", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			sessionID, err := sessionFrom(ctx)
			if err != nil {
				return nil, err
			}
			keys, err := r.orch.Sessions.ListStates(sessionID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"keys": keys}, nil
		}),
	)
}

func registerClearSessionState(r *Registry) error {
	return r.add(
		mcp.NewTool("clear_session_state",
			mcp.WithDescription("Remove one saved key, or every key of this transport session when key is omitted."),
			mcp.WithString("key", mcp.Description("State key; omit to clear all")),
			mcp.WithString("token", mcp.Description("Admin or agent token")),
		),
		policy.CategorySessionState,
		r.handler("clear_session_state", func(ctx context.Context, caller *auth.Identity, args map[string]any) (any, error) {
			sessionID, err := sessionFrom(ctx)
			if err != nil {
				return nil, err
			}
			n, err := r.orch.Sessions.ClearState(sessionID, optionalString(args, "key"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"cleared": n}, nil
		}),
	)
}

// Package dashboard exposes the auxiliary JSON API next to the MCP
// endpoints: health, statistics, transport sessions and runtime tool
// category toggling.
package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/rinadelph/agent-mcp/internal/app"
	"github.com/rinadelph/agent-mcp/internal/policy"
)

// ToolSync is the slice of the tool registry the dashboard needs: counting
// what is exposed and re-syncing after a category toggle.
type ToolSync interface {
	ToolCount() int
	ToolNames() []string
	Apply()
}

// Handler serves the auxiliary endpoints.
type Handler struct {
	orch   *app.Orchestrator
	reg    ToolSync
	logger *log.Logger
}

func NewHandler(orch *app.Orchestrator, reg ToolSync, logger *log.Logger) *Handler {
	return &Handler{orch: orch, reg: reg, logger: logger}
}

// RegisterRoutes mounts the API on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/sessions", h.handleSessions)
	mux.HandleFunc("/config", h.handleConfig)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Printf("Warning: dashboard response encode failed: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	rep, err := h.orch.Store.Health()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rep.VSSAvailable = h.orch.Index.Available()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"store":              rep,
		"enabled_categories": h.orch.Policy.EnabledCategories(),
		"tool_count":         h.reg.ToolCount(),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	status, err := h.orch.Indexer.Status()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	emb := h.orch.Policy.Embedding()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"project_dir": h.orch.Policy.ProjectDir(),
		"port":        h.orch.Policy.Port(),
		"embedding": map[string]any{
			"provider":   emb.Provider,
			"fallbacks":  emb.Fallbacks,
			"model":      emb.Model,
			"chat_model": emb.ChatModel,
			"target_dim": emb.TargetDim,
		},
		"indexing":  h.orch.Policy.Indexing(),
		"retrieval": h.orch.Policy.Retrieval(),
		"transport": h.orch.Policy.Transport(),
		"indexer":   status,
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	live, idle, persisted, err := h.orch.Sessions.Counts()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"live":              live,
		"idle":              idle,
		"persisted":         persisted,
		"recovered_pending": h.orch.Sessions.RecoveredPending(),
	})
}

// categoryToggle is the POST /config request body.
type categoryToggle struct {
	Category string `json:"category"`
	Enabled  bool   `json:"enabled"`
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, map[string]any{
			"all_categories":     policy.AllCategories(),
			"enabled_categories": h.orch.Policy.EnabledCategories(),
			"tools":              h.reg.ToolNames(),
		})
	case http.MethodPost:
		var req categoryToggle
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := h.orch.Policy.SetCategory(req.Category, req.Enabled); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.reg.Apply()
		h.logger.Printf("category %s set to %v", req.Category, req.Enabled)
		h.writeJSON(w, http.StatusOK, map[string]any{
			"enabled_categories": h.orch.Policy.EnabledCategories(),
			"tool_count":         h.reg.ToolCount(),
		})
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "GET or POST only")
	}
}

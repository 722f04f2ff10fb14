// Agent-MCP server
// Multi-agent orchestration over MCP: streamable HTTP for workers and
// admin clients, SSE for legacy clients, a JSON API for monitoring.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rinadelph/agent-mcp/internal/app"
	"github.com/rinadelph/agent-mcp/internal/dashboard"
	"github.com/rinadelph/agent-mcp/internal/policy"
	"github.com/rinadelph/agent-mcp/internal/tools"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Println("agent-mcp " + Version)
			return
		}
	}

	tmpLogger := log.New(os.Stderr, "[agent-mcp] ", log.LstdFlags|log.Lshortfile)
	cfg := loadConfig(tmpLogger)
	pol := policy.New(cfg)

	logger := setupLogger(pol.LogFile())
	logger.Println("Starting Agent-MCP server...")
	logger.Printf("Project dir: %s", pol.ProjectDir())
	logger.Printf("Log file: %s", pol.LogFile())

	orch, err := app.NewOrchestrator(pol, logger)
	if err != nil {
		logger.Fatalf("Boot: %v", err)
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Tool call: %s", message.Params.Name)
		}
	})
	// Disconnects only drop the in-memory binding; the persisted session row
	// stays recoverable until its grace period runs out.
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		sid := session.SessionID()
		orch.Sessions.Disconnect(sid)
		logger.Printf("Client session unregistered: %s", sid)
	})

	mcpServer := server.NewMCPServer(
		"agent-mcp",
		Version,
		server.WithInstructions(tools.InstructionsText()),
		server.WithHooks(hooks),
		server.WithResourceCapabilities(false, true), // subscribe=false, listChanged=true
	)

	registry := tools.NewRegistry(mcpServer, orch, logger)
	if err := tools.Register(registry); err != nil {
		logger.Fatalf("Tool registration: %v", err)
	}
	logger.Printf("Tools exposed: %d (categories: %v)", registry.ToolCount(), pol.EnabledCategories())

	// Index progress goes out as an MCP notification so connected clients can
	// surface it without polling get_rag_status.
	orch.Indexer.SetProgress(func(stage string, done, total int) {
		mcpServer.SendNotificationToAllClients("notifications/agent_mcp/index_progress", map[string]any{
			"stage": stage,
			"done":  done,
			"total": total,
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.Start(ctx)

	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pol.Port()))
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	baseURL := fmt.Sprintf("http://localhost:%d", pol.Port())

	sseSrv := server.NewSSEServer(mcpServer, server.WithBaseURL(baseURL))
	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamSrv)
	mux.Handle("/sse", sseSrv)
	mux.Handle("/sse/", sseSrv)
	mux.Handle("/message", sseSrv)
	dashboard.NewHandler(orch, registry, logger).RegisterRoutes(mux)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Warning: HTTP shutdown: %v", err)
		}
	}()

	logger.Printf("HTTP server on :%d", pol.Port())
	logger.Printf("  Clients connect at: %s/mcp", baseURL)
	logger.Printf("  Legacy SSE at:      %s/sse", baseURL)
	if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		logger.Printf("HTTP server stopped: %v", err)
	}

	orch.Shutdown()
	logger.Println("Shutdown complete")
}

// loadConfig reads the config file named by AGENT_MCP_CONFIG, falling back
// to defaults when unset or unreadable.
func loadConfig(logger *log.Logger) *policy.Config {
	cfg := policy.DefaultConfig()
	if configPath := os.Getenv("AGENT_MCP_CONFIG"); configPath != "" {
		var err error
		cfg, err = policy.LoadConfig(configPath)
		if err != nil {
			logger.Printf("Warning: failed to load config %s: %v, using defaults", configPath, err)
			cfg = policy.DefaultConfig()
		}
	}
	return cfg
}

// setupLogger creates a logger that writes to the log file and, when stderr
// is an interactive terminal, to stderr as well. When stderr is redirected
// (daemon mode) the file alone avoids duplicate lines.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[agent-mcp] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[agent-mcp] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[agent-mcp] ", log.LstdFlags)
}

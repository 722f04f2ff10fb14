package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/knowledge"
	"github.com/rinadelph/agent-mcp/internal/policy"
	"github.com/rinadelph/agent-mcp/internal/provider"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
	"github.com/rinadelph/agent-mcp/internal/tmux"
)

// drainDeadline bounds shutdown: background tasks get this long to stop.
const drainDeadline = 10 * time.Second

// failureSweepInterval paces the supervisor's worker-session liveness check.
const failureSweepInterval = 30 * time.Second

// Orchestrator owns the full component graph and the shared cancellation
// signal for background work.
type Orchestrator struct {
	Policy     *policy.Policy
	Store      *sqlite.Store
	Auth       *auth.Authenticator
	Tmux       *tmux.Client
	Chain      *provider.Chain
	Index      *knowledge.VectorIndex
	Indexer    *knowledge.Indexer
	Retriever  *knowledge.Retriever
	Tasks      *TaskGraph
	Context    *ContextManager
	Supervisor *Supervisor
	Sessions   *SessionManager

	logger *log.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator boots the component graph in dependency order: store,
// admin token, provider chain, knowledge pipeline, supervisor, transport
// sessions. Boot refuses when the task graph already violates the
// single-active-phase rule. The caller's Policy is the one shared instance;
// runtime category toggles must land in it.
func NewOrchestrator(pol *policy.Policy, logger *log.Logger) (*Orchestrator, error) {
	if err := os.MkdirAll(pol.StateDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	store, err := sqlite.Open(pol.StateFile())
	if err != nil {
		return nil, err
	}

	authn, err := auth.New(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	tasks := NewTaskGraph(store, logger)
	if err := tasks.CheckPhaseInvariant(); err != nil {
		store.Close()
		return nil, fmt.Errorf("refusing to boot: %w", err)
	}

	chain, err := provider.NewChain(pol.Embedding(), logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	index := knowledge.OpenVectorIndex(pol.VectorIndexFile(), store, logger)
	indexer := knowledge.NewIndexer(store, pol, chain, index, logger)
	retriever := knowledge.NewRetriever(store, pol, chain, index, logger)

	mux := tmux.New(logger)
	serverURL := fmt.Sprintf("http://localhost:%d/mcp", pol.Port())
	supervisor := NewSupervisor(store, authn, mux, serverURL, pol.WorkerCommand(), logger)
	sessions := NewSessionManager(store, authn, pol, logger)

	return &Orchestrator{
		Policy:     pol,
		Store:      store,
		Auth:       authn,
		Tmux:       mux,
		Chain:      chain,
		Index:      index,
		Indexer:    indexer,
		Retriever:  retriever,
		Tasks:      tasks,
		Context:    NewContextManager(store, logger),
		Supervisor: supervisor,
		Sessions:   sessions,
		logger:     logger,
	}, nil
}

// Start launches the background tasks under one shared cancellation signal.
func (o *Orchestrator) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel
	o.Supervisor.BindLifetime(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		warm, warmCancel := context.WithTimeout(ctx, 30*time.Second)
		defer warmCancel()
		if err := o.Chain.WarmUp(warm); err != nil {
			o.logger.Printf("Warning: provider warm-up failed: %v", err)
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Indexer.Run(ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Sessions.RunSweeper(ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(failureSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.Supervisor.SweepFailures(ctx)
			}
		}
	}()
}

// LogError leaves an action-log trace for an internal error. Best-effort.
func (o *Orchestrator) LogError(caller, method string, err error) {
	werr := o.Store.Write(func(tx *sql.Tx) error {
		return o.Store.AppendAction(tx, &domain.ActionLogEntry{
			AgentID:    caller,
			ActionType: "internal_error",
			Timestamp:  time.Now().UTC(),
			Details:    mustDetails(map[string]any{"method": method, "error": err.Error()}),
		})
	})
	if werr != nil {
		o.logger.Printf("action log append failed: %v", werr)
	}
}

// Shutdown cancels background work, waits up to the drain deadline and
// closes the store.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainDeadline):
		o.logger.Printf("Warning: shutdown drain deadline hit")
	}
	if err := o.Store.Close(); err != nil {
		o.logger.Printf("store close: %v", err)
	}
}

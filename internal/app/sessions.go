package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

// SessionManager persists transport sessions so a client can disconnect and
// rebind within the grace period. A background sweeper idles and purges
// stale sessions.
type SessionManager struct {
	store  *sqlite.Store
	authn  *auth.Authenticator
	pol    *policy.Policy
	logger *log.Logger

	mu        sync.Mutex
	bindings  map[string]*auth.Identity // session id -> verified identity
	recovered map[string]int            // session id -> saved state keys at rebind

	// ticks decouples the timer from sweep execution; a slow sweep drops
	// ticks instead of queueing them
	ticks chan struct{}
}

func NewSessionManager(store *sqlite.Store, authn *auth.Authenticator, pol *policy.Policy, logger *log.Logger) *SessionManager {
	return &SessionManager{
		store:     store,
		authn:     authn,
		pol:       pol,
		logger:    logger,
		bindings:  make(map[string]*auth.Identity),
		recovered: make(map[string]int),
		ticks:     make(chan struct{}, 1),
	}
}

func (m *SessionManager) gracePeriod() time.Duration {
	return time.Duration(m.pol.Transport().GracePeriodMinutes) * time.Minute
}

// Bind verifies the token and attaches the identity to a transport session,
// creating or recovering the persisted row.
func (m *SessionManager) Bind(sessionID, token string) (*auth.Identity, error) {
	id, err := m.authn.Verify(token)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	existing, err := m.store.GetSession(sessionID)
	if err != nil && !domain.IsCode(err, domain.CodeNotFound) {
		return nil, err
	}

	ts := &domain.TransportSession{
		ID:            sessionID,
		Admin:         id.Role == auth.RoleAdmin,
		BoundAgentID:  id.AgentID,
		CreatedAt:     now,
		LastHeartbeat: now,
		ExpiresAt:     now.Add(m.gracePeriod()),
		Status:        domain.SessionLive,
	}
	rebind := false
	if existing != nil {
		if now.After(existing.ExpiresAt) {
			return nil, domain.NotFound("session %q has expired", sessionID)
		}
		// A live session id belongs to whoever bound it first. A different
		// token, even a valid one, must not take over the id and its state.
		if existing.Admin != ts.Admin || existing.BoundAgentID != ts.BoundAgentID {
			return nil, domain.Unauthorized("session %q is bound to a different identity", sessionID)
		}
		ts.CreatedAt = existing.CreatedAt
		rebind = true
	}
	if err := m.store.Write(func(tx *sql.Tx) error {
		return m.store.UpsertSession(tx, ts)
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.bindings[sessionID] = id
	if rebind {
		keys, err := m.store.ListSessionStates(sessionID)
		if err == nil {
			m.recovered[sessionID] = len(keys)
		}
	}
	m.mu.Unlock()
	return id, nil
}

// Identity returns the verified identity bound to a session, re-reading the
// persisted row after a server restart.
func (m *SessionManager) Identity(sessionID string) (*auth.Identity, error) {
	m.mu.Lock()
	id, ok := m.bindings[sessionID]
	m.mu.Unlock()
	if ok {
		return id, nil
	}
	ts, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(ts.ExpiresAt) {
		return nil, domain.NotFound("session %q has expired", sessionID)
	}
	id = &auth.Identity{Role: auth.RoleAgent, AgentID: ts.BoundAgentID}
	if ts.Admin {
		id = &auth.Identity{Role: auth.RoleAdmin}
	}
	m.mu.Lock()
	m.bindings[sessionID] = id
	m.recovered[sessionID], _ = m.countStates(sessionID)
	m.mu.Unlock()
	return id, nil
}

func (m *SessionManager) countStates(sessionID string) (int, error) {
	keys, err := m.store.ListSessionStates(sessionID)
	return len(keys), err
}

// Touch slides the heartbeat and expiry of a session forward.
func (m *SessionManager) Touch(sessionID string) {
	ts, err := m.store.GetSession(sessionID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	ts.LastHeartbeat = now
	ts.ExpiresAt = now.Add(m.gracePeriod())
	ts.Status = domain.SessionLive
	if err := m.store.Write(func(tx *sql.Tx) error {
		return m.store.UpsertSession(tx, ts)
	}); err != nil {
		m.logger.Printf("session heartbeat update failed: %v", err)
	}
}

// Disconnect drops the in-memory binding but keeps the persisted session
// recoverable until its expiry.
func (m *SessionManager) Disconnect(sessionID string) {
	m.mu.Lock()
	delete(m.bindings, sessionID)
	m.mu.Unlock()
}

// ConsumeRecovered returns the one-shot recovery marker for a session: set
// after a rebind, cleared on read.
func (m *SessionManager) ConsumeRecovered(sessionID string) (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.recovered[sessionID]
	if ok {
		delete(m.recovered, sessionID)
	}
	return ok, n
}

// RecoveredPending counts rebound sessions whose recovery marker has not
// been consumed yet.
func (m *SessionManager) RecoveredPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recovered)
}

// SaveState stores one per-session key.
func (m *SessionManager) SaveState(sessionID, key string, data json.RawMessage, expiresInHours float64) error {
	if key == "" {
		return domain.BadRequest("key is required")
	}
	if _, err := m.Identity(sessionID); err != nil {
		return err
	}
	if expiresInHours <= 0 {
		expiresInHours = 24
	}
	st := &domain.SessionState{
		SessionID: sessionID,
		Key:       key,
		Data:      data,
		ExpiresAt: time.Now().UTC().Add(time.Duration(expiresInHours * float64(time.Hour))),
	}
	return m.store.Write(func(tx *sql.Tx) error {
		return m.store.SaveSessionState(tx, st)
	})
}

// LoadState fetches one per-session key. Expired keys read as not_found.
func (m *SessionManager) LoadState(sessionID, key string) (*domain.SessionState, error) {
	if _, err := m.Identity(sessionID); err != nil {
		return nil, err
	}
	return m.store.GetSessionState(sessionID, key)
}

// ListStates lists the saved keys of a session.
func (m *SessionManager) ListStates(sessionID string) ([]string, error) {
	if _, err := m.Identity(sessionID); err != nil {
		return nil, err
	}
	return m.store.ListSessionStates(sessionID)
}

// ClearState removes one key, or all keys when key is empty. Returns the
// number removed.
func (m *SessionManager) ClearState(sessionID, key string) (int, error) {
	if _, err := m.Identity(sessionID); err != nil {
		return 0, err
	}
	var n int
	err := m.store.Write(func(tx *sql.Tx) error {
		var err error
		n, err = m.store.ClearSessionState(tx, sessionID, key)
		return err
	})
	return n, err
}

// Counts reports live/idle/persisted totals for the dashboard.
func (m *SessionManager) Counts() (live, idle, persisted int, err error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return 0, 0, 0, err
	}
	for _, s := range sessions {
		persisted++
		switch s.Status {
		case domain.SessionLive:
			live++
		case domain.SessionIdle:
			idle++
		}
	}
	return live, idle, persisted, nil
}

// RunSweeper ticks the sweep loop until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context) {
	interval := time.Duration(m.pol.Transport().SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ticks:
				m.Sweep()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case m.ticks <- struct{}{}:
			default:
			}
		}
	}
}

// Sweep transitions stale sessions live -> idle and purges expired ones
// together with their state rows.
func (m *SessionManager) Sweep() {
	sessions, err := m.store.ListSessions()
	if err != nil {
		m.logger.Printf("session sweep: %v", err)
		return
	}
	now := time.Now().UTC()
	idleAfter := time.Duration(m.pol.Transport().IdleAfterSeconds) * time.Second
	for _, s := range sessions {
		switch {
		case now.After(s.ExpiresAt):
			err := m.store.Write(func(tx *sql.Tx) error {
				return m.store.DeleteSession(tx, s.ID)
			})
			if err != nil {
				m.logger.Printf("session purge %s: %v", s.ID, err)
				continue
			}
			m.mu.Lock()
			delete(m.bindings, s.ID)
			delete(m.recovered, s.ID)
			m.mu.Unlock()
		case s.Status == domain.SessionLive && idleAfter > 0 && now.Sub(s.LastHeartbeat) > idleAfter:
			s.Status = domain.SessionIdle
			if err := m.store.Write(func(tx *sql.Tx) error {
				return m.store.UpsertSession(tx, s)
			}); err != nil {
				m.logger.Printf("session idle transition %s: %v", s.ID, err)
			}
		}
	}
}

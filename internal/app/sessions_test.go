package app

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/policy"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

func newTestSessions(t *testing.T) (*SessionManager, *auth.Authenticator, *sqlite.Store) {
	t.Helper()
	store := newTestStore(t)
	authn, err := auth.New(store)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	pol := policy.New(policy.DefaultConfig())
	return NewSessionManager(store, authn, pol, testLogger()), authn, store
}

func TestBindAndIdentity(t *testing.T) {
	m, authn, _ := newTestSessions(t)

	if _, err := m.Bind("sess-1", "bogus"); !domain.IsCode(err, domain.CodeUnauthorized) {
		t.Errorf("bad token bind error = %v, want unauthorized", err)
	}

	id, err := m.Bind("sess-1", authn.AdminToken())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if id.Role != auth.RoleAdmin {
		t.Errorf("bound role = %s, want admin", id.Role)
	}
	got, err := m.Identity("sess-1")
	if err != nil || got.Role != auth.RoleAdmin {
		t.Errorf("Identity = %v, %v", got, err)
	}
	if _, err := m.Identity("sess-unknown"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("unknown session error = %v, want not_found", err)
	}
}

func TestRecoveryMarker(t *testing.T) {
	m, authn, _ := newTestSessions(t)
	if _, err := m.Bind("sess-1", authn.AdminToken()); err != nil {
		t.Fatal(err)
	}
	if recovered, _ := m.ConsumeRecovered("sess-1"); recovered {
		t.Error("fresh bind reported as recovered")
	}
	if err := m.SaveState("sess-1", "progress", []byte(`{"step":3}`), 0); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	// rebind after a disconnect sets the one-shot marker
	m.Disconnect("sess-1")
	if _, err := m.Bind("sess-1", authn.AdminToken()); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	recovered, saved := m.ConsumeRecovered("sess-1")
	if !recovered || saved != 1 {
		t.Errorf("ConsumeRecovered = %v, %d, want true, 1", recovered, saved)
	}
	if recovered, _ = m.ConsumeRecovered("sess-1"); recovered {
		t.Error("recovery marker fired twice")
	}
}

func TestIdentitySurvivesRestart(t *testing.T) {
	m, authn, store := newTestSessions(t)
	if _, err := m.Bind("sess-1", authn.AdminToken()); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveState("sess-1", "progress", []byte(`{}`), 0); err != nil {
		t.Fatal(err)
	}

	// a fresh manager over the same store stands in for a restarted server
	fresh := NewSessionManager(store, authn, policy.New(policy.DefaultConfig()), testLogger())
	id, err := fresh.Identity("sess-1")
	if err != nil {
		t.Fatalf("Identity after restart: %v", err)
	}
	if id.Role != auth.RoleAdmin {
		t.Errorf("recovered role = %s, want admin", id.Role)
	}
	recovered, saved := fresh.ConsumeRecovered("sess-1")
	if !recovered || saved != 1 {
		t.Errorf("restart recovery = %v, %d, want true, 1", recovered, saved)
	}
}

func TestBind_refusesIdentityTakeover(t *testing.T) {
	m, authn, store := newTestSessions(t)
	aliceToken := strings.Repeat("a", 32)
	malloryToken := strings.Repeat("b", 32)
	now := time.Now().UTC()
	err := store.Write(func(tx *sql.Tx) error {
		for _, a := range []*domain.Agent{
			{ID: "alice", Token: aliceToken, Status: domain.AgentActive, CreatedAt: now, UpdatedAt: now},
			{ID: "mallory", Token: malloryToken, Status: domain.AgentActive, CreatedAt: now, UpdatedAt: now},
		} {
			if err := store.InsertAgent(tx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := m.Bind("sess-1", aliceToken); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := m.SaveState("sess-1", "plan", []byte(`{"secret":"alice-only"}`), 0); err != nil {
		t.Fatal(err)
	}

	// a different valid token must not take over the live session id
	if _, err := m.Bind("sess-1", malloryToken); !domain.IsCode(err, domain.CodeUnauthorized) {
		t.Errorf("foreign agent rebind error = %v, want unauthorized", err)
	}
	if _, err := m.Bind("sess-1", authn.AdminToken()); !domain.IsCode(err, domain.CodeUnauthorized) {
		t.Errorf("admin takeover error = %v, want unauthorized", err)
	}

	// the original identity still rebinds and reads its state
	if _, err := m.Bind("sess-1", aliceToken); err != nil {
		t.Fatalf("owner rebind: %v", err)
	}
	st, err := m.LoadState("sess-1", "plan")
	if err != nil || !strings.Contains(string(st.Data), "alice-only") {
		t.Errorf("owner LoadState = %v, %v", st, err)
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	m, authn, _ := newTestSessions(t)
	if _, err := m.Bind("sess-1", authn.AdminToken()); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveState("sess-1", "", []byte(`{}`), 0); !domain.IsCode(err, domain.CodeBadRequest) {
		t.Errorf("empty key error = %v, want bad_request", err)
	}
	if err := m.SaveState("sess-1", "a", []byte(`{"x":1}`), 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveState("sess-1", "b", []byte(`{"y":2}`), 0); err != nil {
		t.Fatal(err)
	}

	st, err := m.LoadState("sess-1", "a")
	if err != nil || string(st.Data) != `{"x":1}` {
		t.Errorf("LoadState = %v, %v", st, err)
	}
	keys, err := m.ListStates("sess-1")
	if err != nil || len(keys) != 2 {
		t.Errorf("ListStates = %v, %v", keys, err)
	}
	n, err := m.ClearState("sess-1", "")
	if err != nil || n != 2 {
		t.Errorf("ClearState(all) = %d, %v, want 2", n, err)
	}
	if _, err := m.LoadState("sess-1", "a"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("cleared key error = %v, want not_found", err)
	}
}

func TestSweep(t *testing.T) {
	m, _, store := newTestSessions(t)
	now := time.Now().UTC()
	err := store.Write(func(tx *sql.Tx) error {
		if err := store.UpsertSession(tx, &domain.TransportSession{
			ID: "sess-dead", CreatedAt: now.Add(-time.Hour), LastHeartbeat: now.Add(-time.Hour),
			ExpiresAt: now.Add(-time.Minute), Status: domain.SessionLive,
		}); err != nil {
			return err
		}
		if err := store.SaveSessionState(tx, &domain.SessionState{
			SessionID: "sess-dead", Key: "k", Data: []byte(`{}`), ExpiresAt: now.Add(time.Hour),
		}); err != nil {
			return err
		}
		return store.UpsertSession(tx, &domain.TransportSession{
			ID: "sess-quiet", CreatedAt: now, LastHeartbeat: now.Add(-10 * time.Minute),
			ExpiresAt: now.Add(time.Hour), Status: domain.SessionLive,
		})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	m.Sweep()

	if _, err := store.GetSession("sess-dead"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("expired session survived the sweep: %v", err)
	}
	var n int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM session_state WHERE session_id = 'sess-dead'").Scan(&n); err != nil || n != 0 {
		t.Errorf("state rows survived the purge: %d (%v)", n, err)
	}
	quiet, err := store.GetSession("sess-quiet")
	if err != nil {
		t.Fatal(err)
	}
	if quiet.Status != domain.SessionIdle {
		t.Errorf("stale-heartbeat session status = %s, want idle", quiet.Status)
	}
}

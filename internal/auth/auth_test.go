package auth

import (
	"path/filepath"
	"testing"

	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew_persistsAdminToken(t *testing.T) {
	store := newTestStore(t)
	a1, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(a1.AdminToken()) != 32 {
		t.Errorf("admin token length = %d, want 32", len(a1.AdminToken()))
	}
	a2, err := New(store)
	if err != nil {
		t.Fatalf("New again: %v", err)
	}
	if a1.AdminToken() != a2.AdminToken() {
		t.Error("admin token not stable across boots")
	}
}

func TestVerify(t *testing.T) {
	store := newTestStore(t)
	a, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := a.Verify(a.AdminToken())
	if err != nil {
		t.Fatalf("Verify(admin): %v", err)
	}
	if id.Role != RoleAdmin || id.AgentID != "" {
		t.Errorf("Verify(admin) = %+v, want admin identity", id)
	}

	for _, token := range []string{"", "short", "zzzzzzzzzzzzzzzzzzzz", "0123456789abcdef0123456789abcdef"} {
		if _, err := a.Verify(token); !domain.IsCode(err, domain.CodeUnauthorized) {
			t.Errorf("Verify(%q) error = %v, want unauthorized", token, err)
		}
	}
}

func TestMask(t *testing.T) {
	token := "0123456789abcdef0123456789abcdef"
	masked := Mask(token)
	if masked == token {
		t.Fatal("Mask returned the token unchanged")
	}
	if got, want := masked, "0123…cdef"; got != want {
		t.Errorf("Mask = %q, want %q", got, want)
	}
	if Mask("abc") != "****" {
		t.Errorf("Mask(short) = %q, want ****", Mask("abc"))
	}
}

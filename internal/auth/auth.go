// Package auth resolves tokens to roles. There is exactly one admin token,
// generated on first boot and persisted in the store; every agent carries
// its own token. Token values never reach logs, environment variables, or
// resource descriptions — only masked fingerprints do.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

const (
	adminTokenMetaKey = "admin_token"
	// minTokenLen guards against truncated or fabricated tokens; real tokens
	// are 32 hex chars (128 bits).
	minTokenLen = 16
)

// Role of a verified caller.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// Identity is the result of token verification.
type Identity struct {
	Role    Role
	AgentID string // empty for admin
}

// Authenticator verifies tokens against the store.
type Authenticator struct {
	store      *sqlite.Store
	adminToken string
}

// NewToken returns a fresh 128-bit random token in hex.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// New loads (or creates and persists) the admin token and returns an
// Authenticator.
func New(store *sqlite.Store) (*Authenticator, error) {
	token, err := store.GetMeta(adminTokenMetaKey)
	if err != nil {
		return nil, err
	}
	if token == "" {
		token, err = NewToken()
		if err != nil {
			return nil, err
		}
		if err := store.Write(func(tx *sql.Tx) error {
			return store.SetMeta(tx, adminTokenMetaKey, token)
		}); err != nil {
			return nil, err
		}
	}
	return &Authenticator{store: store, adminToken: token}, nil
}

// AdminToken returns the cleartext admin token. Callers must treat it as a
// secret; it is exposed once at boot for the operator.
func (a *Authenticator) AdminToken() string { return a.adminToken }

// wellFormed enforces minimum length and hex character class.
func wellFormed(token string) bool {
	if len(token) < minTokenLen {
		return false
	}
	for _, r := range token {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Verify resolves a token to an identity. Malformed or unknown tokens are
// unauthorized; session attachment alone never identifies a caller.
func (a *Authenticator) Verify(token string) (*Identity, error) {
	if !wellFormed(token) {
		return nil, domain.Unauthorized("malformed token")
	}
	if token == a.adminToken {
		return &Identity{Role: RoleAdmin}, nil
	}
	agent, err := a.store.GetAgentByToken(token)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			return nil, domain.Unauthorized("unknown token")
		}
		return nil, err
	}
	if agent.Status.Terminal() {
		return nil, domain.Unauthorized("agent %q is %s", agent.ID, agent.Status)
	}
	return &Identity{Role: RoleAgent, AgentID: agent.ID}, nil
}

// Mask returns a fingerprint safe for resources and logs: first 4 + last 4
// characters with the middle elided.
func Mask(token string) string {
	if len(token) < 9 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

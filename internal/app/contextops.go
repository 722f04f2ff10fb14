package app

import (
	"database/sql"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rinadelph/agent-mcp/internal/auth"
	"github.com/rinadelph/agent-mcp/internal/domain"
	"github.com/rinadelph/agent-mcp/internal/repository/sqlite"
)

// ContextManager owns the shared project-context entries and their backup
// snapshots.
type ContextManager struct {
	store  *sqlite.Store
	logger *log.Logger
}

func NewContextManager(store *sqlite.Store, logger *log.Logger) *ContextManager {
	return &ContextManager{store: store, logger: logger}
}

// View returns the requested entries, or every entry when keys is empty.
// Backup snapshots are never listed.
func (c *ContextManager) View(keys []string) ([]*domain.ContextEntry, error) {
	if len(keys) == 0 {
		return c.store.ListContext()
	}
	var out []*domain.ContextEntry
	for _, k := range keys {
		e, err := c.store.GetContext(k)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ContextUpdate is one entry in an update batch.
type ContextUpdate struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
}

// Update upserts one entry.
func (c *ContextManager) Update(caller *auth.Identity, in ContextUpdate) (*domain.ContextEntry, error) {
	entries, err := c.BulkUpdate(caller, []ContextUpdate{in})
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// BulkUpdate upserts entries atomically. Reserved backup keys are refused.
func (c *ContextManager) BulkUpdate(caller *auth.Identity, updates []ContextUpdate) ([]*domain.ContextEntry, error) {
	if len(updates) == 0 {
		return nil, domain.BadRequest("entries is required")
	}
	now := time.Now().UTC()
	var entries []*domain.ContextEntry
	for _, u := range updates {
		if strings.TrimSpace(u.Key) == "" {
			return nil, domain.BadRequest("context key must not be empty")
		}
		if strings.HasPrefix(u.Key, domain.BackupKeyPrefix) {
			return nil, domain.BadRequest("key prefix %q is reserved for backups", domain.BackupKeyPrefix)
		}
		if len(u.Value) == 0 || !json.Valid(u.Value) {
			return nil, domain.BadRequest("value for %q must be valid JSON", u.Key)
		}
		entries = append(entries, &domain.ContextEntry{
			Key:         u.Key,
			Value:       u.Value,
			Description: u.Description,
			UpdatedBy:   callerName(caller),
			LastUpdated: now,
		})
	}
	err := c.store.Write(func(tx *sql.Tx) error {
		for _, e := range entries {
			if err := c.store.UpsertContext(tx, e); err != nil {
				return err
			}
		}
		return c.store.AppendAction(tx, &domain.ActionLogEntry{
			AgentID:    callerName(caller),
			ActionType: "updated_context",
			Timestamp:  now,
			Details:    mustDetails(map[string]any{"count": len(entries)}),
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes one entry. Admin only.
func (c *ContextManager) Delete(caller *auth.Identity, key string) error {
	if caller.Role != auth.RoleAdmin {
		return domain.Unauthorized("delete_project_context requires the admin token")
	}
	if strings.HasPrefix(key, domain.BackupKeyPrefix) {
		return domain.BadRequest("backups are removed through backup_project_context")
	}
	return c.store.Write(func(tx *sql.Tx) error {
		if err := c.store.DeleteContext(tx, key); err != nil {
			return err
		}
		return c.store.AppendAction(tx, &domain.ActionLogEntry{
			AgentID:    "admin",
			ActionType: "deleted_context",
			Timestamp:  time.Now().UTC(),
			Details:    mustDetails(map[string]any{"key": key}),
		})
	})
}

// BackupEnvelope is the JSON value of a __backup__ row.
type BackupEnvelope struct {
	BackupID   string                 `json:"backup_id"`
	CreatedAt  time.Time              `json:"created_at"`
	CreatedBy  string                 `json:"created_by"`
	EntryCount int                    `json:"entry_count"`
	Entries    []*domain.ContextEntry `json:"entries"`
}

// Backup snapshots every live entry into one reserved row and returns the
// envelope metadata (without the entries).
func (c *ContextManager) Backup(caller *auth.Identity) (*BackupEnvelope, error) {
	if caller.Role != auth.RoleAdmin {
		return nil, domain.Unauthorized("backup_project_context requires the admin token")
	}
	entries, err := c.store.ListContext()
	if err != nil {
		return nil, err
	}
	env := &BackupEnvelope{
		BackupID:   uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  "admin",
		EntryCount: len(entries),
		Entries:    entries,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return nil, domain.Internal("encode backup: %v", err)
	}
	err = c.store.Write(func(tx *sql.Tx) error {
		return c.store.UpsertContext(tx, &domain.ContextEntry{
			Key:         domain.BackupKeyPrefix + env.BackupID,
			Value:       value,
			Description: "project context backup",
			UpdatedBy:   "admin",
			LastUpdated: env.CreatedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	meta := *env
	meta.Entries = nil
	return &meta, nil
}

// ListBackups returns envelope metadata for every snapshot.
func (c *ContextManager) ListBackups() ([]*BackupEnvelope, error) {
	rows, err := c.store.ListContextBackups()
	if err != nil {
		return nil, err
	}
	var out []*BackupEnvelope
	for _, row := range rows {
		var env BackupEnvelope
		if err := json.Unmarshal(row.Value, &env); err != nil {
			c.logger.Printf("skipping corrupt backup row %s: %v", row.Key, err)
			continue
		}
		env.Entries = nil
		out = append(out, &env)
	}
	return out, nil
}

// Restore re-applies the entries of one snapshot over the live context.
func (c *ContextManager) Restore(caller *auth.Identity, backupID string) (int, error) {
	if caller.Role != auth.RoleAdmin {
		return 0, domain.Unauthorized("restore requires the admin token")
	}
	row, err := c.store.GetContext(domain.BackupKeyPrefix + backupID)
	if err != nil {
		return 0, err
	}
	var env BackupEnvelope
	if err := json.Unmarshal(row.Value, &env); err != nil {
		return 0, domain.Internal("decode backup %s: %v", backupID, err)
	}
	now := time.Now().UTC()
	err = c.store.Write(func(tx *sql.Tx) error {
		for _, e := range env.Entries {
			e.LastUpdated = now
			e.UpdatedBy = "admin"
			if err := c.store.UpsertContext(tx, e); err != nil {
				return err
			}
		}
		return c.store.AppendAction(tx, &domain.ActionLogEntry{
			AgentID:    "admin",
			ActionType: "restored_context_backup",
			Timestamp:  now,
			Details:    mustDetails(map[string]any{"backup_id": backupID, "entry_count": len(env.Entries)}),
		})
	})
	if err != nil {
		return 0, err
	}
	return len(env.Entries), nil
}

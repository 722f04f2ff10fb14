package app

import (
	"testing"

	"github.com/rinadelph/agent-mcp/internal/domain"
)

func TestContextUpdateAndView(t *testing.T) {
	store := newTestStore(t)
	c := NewContextManager(store, testLogger())

	if _, err := c.Update(adminCaller, ContextUpdate{Key: "", Value: []byte(`1`)}); !domain.IsCode(err, domain.CodeBadRequest) {
		t.Errorf("empty key error = %v, want bad_request", err)
	}
	if _, err := c.Update(adminCaller, ContextUpdate{Key: "k", Value: []byte(`{broken`)}); !domain.IsCode(err, domain.CodeBadRequest) {
		t.Errorf("invalid JSON error = %v, want bad_request", err)
	}
	if _, err := c.Update(adminCaller, ContextUpdate{Key: domain.BackupKeyPrefix + "x", Value: []byte(`1`)}); !domain.IsCode(err, domain.CodeBadRequest) {
		t.Errorf("reserved key error = %v, want bad_request", err)
	}

	entry, err := c.Update(agentCaller("w1"), ContextUpdate{Key: "db_choice", Value: []byte(`"postgres"`), Description: "decided in review"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if entry.UpdatedBy != "w1" {
		t.Errorf("UpdatedBy = %q, want w1", entry.UpdatedBy)
	}

	all, err := c.View(nil)
	if err != nil || len(all) != 1 {
		t.Errorf("View(all) = %v, %v", all, err)
	}
	one, err := c.View([]string{"db_choice"})
	if err != nil || len(one) != 1 || string(one[0].Value) != `"postgres"` {
		t.Errorf("View(key) = %v, %v", one, err)
	}
	if _, err := c.View([]string{"missing"}); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("missing key error = %v, want not_found", err)
	}
}

func TestContextDelete_adminOnly(t *testing.T) {
	store := newTestStore(t)
	c := NewContextManager(store, testLogger())
	if _, err := c.Update(adminCaller, ContextUpdate{Key: "k", Value: []byte(`1`)}); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(agentCaller("w1"), "k"); !domain.IsCode(err, domain.CodeUnauthorized) {
		t.Errorf("agent delete error = %v, want unauthorized", err)
	}
	if err := c.Delete(adminCaller, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.View([]string{"k"}); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("deleted key still readable: %v", err)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	c := NewContextManager(store, testLogger())
	if _, err := c.Update(adminCaller, ContextUpdate{Key: "k1", Value: []byte(`"original"`)}); err != nil {
		t.Fatal(err)
	}

	env, err := c.Backup(adminCaller)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if env.EntryCount != 1 || env.Entries != nil {
		t.Errorf("envelope = %+v, want count 1 and no inline entries", env)
	}

	// backups never show up in the regular view
	all, err := c.View(nil)
	if err != nil || len(all) != 1 {
		t.Errorf("View after backup = %d entries (%v), want 1", len(all), err)
	}

	if _, err := c.Update(adminCaller, ContextUpdate{Key: "k1", Value: []byte(`"changed"`)}); err != nil {
		t.Fatal(err)
	}

	backups, err := c.ListBackups()
	if err != nil || len(backups) != 1 || backups[0].BackupID != env.BackupID {
		t.Fatalf("ListBackups = %v, %v", backups, err)
	}

	n, err := c.Restore(adminCaller, env.BackupID)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	got, err := c.View([]string{"k1"})
	if err != nil || string(got[0].Value) != `"original"` {
		t.Errorf("restored value = %s (%v), want original", got[0].Value, err)
	}

	if _, err := c.Restore(agentCaller("w1"), env.BackupID); !domain.IsCode(err, domain.CodeUnauthorized) {
		t.Errorf("agent restore error = %v, want unauthorized", err)
	}
	if _, err := c.Restore(adminCaller, "missing-id"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("missing backup error = %v, want not_found", err)
	}
}

package database

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("reading embedded migrations dir: %v", err)
	}

	if len(entries) == 0 {
		t.Fatal("no migration files embedded")
	}

	var hasUp, hasDown bool
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".up.sql") {
			hasUp = true
		}
		if strings.HasSuffix(name, ".down.sql") {
			hasDown = true
		}
	}

	if !hasUp {
		t.Error("no .up.sql migration files found")
	}
	if !hasDown {
		t.Error("no .down.sql migration files found")
	}
}

func TestMigrationAgents_Content(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/0001_agents.up.sql")
	if err != nil {
		t.Fatalf("reading 0001_agents.up.sql: %v", err)
	}

	content := string(data)
	expectedTables := []string{
		"CREATE TABLE agents",
		"CREATE TABLE name_reservations",
	}
	for _, table := range expectedTables {
		if !strings.Contains(content, table) {
			t.Errorf("migration missing expected SQL: %s", table)
		}
	}
}

func TestMigrationEntityCoverage(t *testing.T) {
	// Every persisted entity from the data model must have a home in some
	// migration file; this is a cheap guard against a repo method that
	// targets a table nobody created.
	expectedTables := []string{
		"agents", "name_reservations",
		"messages", "seen_message_ids",
		"handshakes", "contacts",
		"reputations", "relay_reputations", "blocklist_entries", "allowlist_entries",
		"domain_verifications",
		"webhook_deliveries",
		"known_relays", "federation_queue_entries", "federation_logs", "federation_discovery_cache",
		"audit_logs",
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("reading embedded migrations dir: %v", err)
	}

	var all strings.Builder
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			t.Fatalf("reading %s: %v", e.Name(), err)
		}
		all.Write(data)
		all.WriteByte('\n')
	}

	content := all.String()
	for _, table := range expectedTables {
		if !strings.Contains(content, "CREATE TABLE "+table) {
			t.Errorf("no migration creates table %q", table)
		}
	}
}

func TestMigrationDown_DropsTables(t *testing.T) {
	names := []string{
		"0001_agents", "0002_messages", "0003_trust", "0004_policy",
		"0005_domain_verification", "0006_webhook", "0007_federation", "0008_audit",
	}
	for _, n := range names {
		data, err := migrationsFS.ReadFile("migrations/" + n + ".down.sql")
		if err != nil {
			t.Fatalf("reading %s.down.sql: %v", n, err)
		}
		if !strings.Contains(string(data), "DROP TABLE") {
			t.Errorf("%s.down.sql should contain DROP TABLE statements", n)
		}
	}
}

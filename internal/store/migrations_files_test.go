package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir())
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestFormalLogMigrationUsesBlockingTriggers(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir(), "0002_review_thread.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"formal_review_logs_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_formal_review_logs_block_update",
		"CREATE TRIGGER trg_formal_review_logs_block_delete",
		"CREATE TRIGGER trg_review_events_block_update",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatal("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}

func TestCoreMigrationGuardsLockAndPool(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir(), "0001_core_schema.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)
	for _, snippet := range []string{
		"CREATE CONSTRAINT TRIGGER trg_manuscripts_lock_pool_guard",
		"CREATE CONSTRAINT TRIGGER trg_manuscript_pool_lock_guard",
		"DEFERRABLE INITIALLY DEFERRED",
		"chief_user_id TEXT UNIQUE",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected core migration to contain %q", snippet)
		}
	}
}

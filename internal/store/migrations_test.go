package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshDatabase(t *testing.T) {
	// Given: A fresh database with no tables
	db := openRawDB(t)

	// When: RunMigrations is called
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// Then: Every collection exists with its columns
	queries := map[string]string{
		"mutations_queue": `SELECT seq, id, endpoint, created_at, fields, description, schema_version, status,
			attempts, last_error, last_status_code, last_attempt_at, claim_token, claimed_at
			FROM mutations_queue LIMIT 0`,
		"assignments_cache": `SELECT id, expediente_id, payload, cached_at FROM assignments_cache LIMIT 0`,
		"points_cache":      `SELECT id, expediente_id, payload, cached_at FROM points_cache LIMIT 0`,
	}
	for table, q := range queries {
		if _, err := db.Exec(q); err != nil {
			t.Errorf("%s missing required columns: %v", table, err)
		}
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	db := openRawDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// When: RunMigrations is called again
	err := RunMigrations(db)

	// Then: No error occurs (idempotent)
	if err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}
}

func TestRunMigrations_PreservesQueuedMutations(t *testing.T) {
	// Given: A database with a queued mutation
	db := openRawDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}
	_, err := db.Exec(`
		INSERT INTO mutations_queue (id, endpoint, created_at, fields)
		VALUES ('01TESTMUTATION', '/api/monitoreo/set-marcado', 0, '[["punto_id","P123"]]')
	`)
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	// When: RunMigrations is called again
	if err := RunMigrations(db); err != nil {
		t.Fatalf("re-migration failed: %v", err)
	}

	// Then: The mutation is preserved with default status
	var status string
	if err := db.QueryRow(`SELECT status FROM mutations_queue WHERE id = '01TESTMUTATION'`).Scan(&status); err != nil {
		t.Fatalf("data not preserved after migration: %v", err)
	}
	if status != "PENDING" {
		t.Errorf("expected default status PENDING, got %q", status)
	}
}

func TestSchema_Indexes(t *testing.T) {
	db := openRawDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	expectedIndexes := []string{
		"idx_mutations_queue_status",
		"idx_assignments_cache_cached_at",
		"idx_points_cache_cached_at",
	}

	for _, idx := range expectedIndexes {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "fieldq.db")
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedLegacy writes a database the way the first release left it: the
// version 1 tables and the given user_version.
func seedLegacy(t *testing.T, path string, version int, extra ...string) {
	t.Helper()
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	defer conn.Close()

	stmts := append([]string{baseSchema}, extra...)
	stmts = append(stmts, fmt.Sprintf("PRAGMA user_version = %d", version))
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("seed %q failed: %v", stmt, err)
		}
	}
}

func columnExists(t *testing.T, db *DB, table, column string) bool {
	t.Helper()
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		t.Fatalf("table_info(%s) failed: %v", table, err)
	}
	return count == 1
}

func TestOpen_FreshInstall(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}

	v, err := db.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("Version() = %d, want %d", v, SchemaVersion)
	}

	for _, table := range []string{"tasks", "queued_reports", "media_queue"} {
		var count int
		err := db.conn.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if got := db.AppliedMigrations(); len(got) != 0 {
		t.Errorf("AppliedMigrations() = %v, want none on fresh install", got)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := testDBPath(t)

	for i := 0; i < 3; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d failed: %v", i+1, err)
		}
		v, err := db.Version(context.Background())
		if err != nil {
			t.Fatalf("Version() failed: %v", err)
		}
		if v != SchemaVersion {
			t.Errorf("Open() #%d: version = %d, want %d", i+1, v, SchemaVersion)
		}
		if got := db.AppliedMigrations(); len(got) != 0 {
			t.Errorf("Open() #%d applied %v, want none", i+1, got)
		}
		db.Close()
	}
}

func TestOpen_UpgradesLegacyStore(t *testing.T) {
	path := testDBPath(t)
	seedLegacy(t, path, 1,
		`INSERT INTO queued_reports (id, taskId, notes, severity, photos, videos, checklistData, createdAt, synced)
		 VALUES ('r1', 't1', 'old', 'normal', '["a.jpg"]', '[]', '[]', '2024-01-01T00:00:00.000000000Z', 0)`,
	)

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if got := db.AppliedMigrations(); len(got) != 1 || got[0] != 2 {
		t.Errorf("AppliedMigrations() = %v, want [2]", got)
	}
	for _, col := range []string{"syncAttempts", "lastSyncAttempt", "errorMessage"} {
		if !columnExists(t, db, "queued_reports", col) {
			t.Errorf("queued_reports.%s missing after upgrade", col)
		}
	}

	r, err := db.GetQueuedReport(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetQueuedReport() failed: %v", err)
	}
	if r.SyncAttempts != 0 {
		t.Errorf("SyncAttempts = %d, want 0", r.SyncAttempts)
	}
	if len(r.Photos) != 1 || r.Photos[0] != "a.jpg" {
		t.Errorf("Photos = %v, want [a.jpg]", r.Photos)
	}
}

func TestOpen_ToleratesDuplicateColumn(t *testing.T) {
	path := testDBPath(t)
	// Column present without the version bump that should have accompanied it.
	seedLegacy(t, path, 0,
		`ALTER TABLE queued_reports ADD COLUMN syncAttempts INTEGER NOT NULL DEFAULT 0`,
	)

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	v, _ := db.Version(context.Background())
	if v != SchemaVersion {
		t.Errorf("Version() = %d, want %d", v, SchemaVersion)
	}
	if !columnExists(t, db, "queued_reports", "errorMessage") {
		t.Error("later statements of the migration were not applied")
	}
}

func TestOpen_FailedMigrationLeavesVersion(t *testing.T) {
	saved := migrations
	t.Cleanup(func() { migrations = saved })
	migrations = []migration{{
		Version:    2,
		Name:       "broken",
		Statements: []string{`ALTER TABLE no_such_table ADD COLUMN x TEXT`},
	}}

	path := testDBPath(t)
	seedLegacy(t, path, 1)

	db, err := Open(path)
	if err == nil {
		db.Close()
		t.Fatal("Open() succeeded, want ErrMigrationFailed")
	}
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("Open() error = %v, want ErrMigrationFailed", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "broken") || !strings.Contains(msg, "no_such_table") {
		t.Errorf("Open() error = %q, want migration name and cause", msg)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	defer conn.Close()
	v, err := readVersion(context.Background(), conn)
	if err != nil {
		t.Fatalf("readVersion() failed: %v", err)
	}
	if v != 1 {
		t.Errorf("stored version = %d, want 1 (unchanged)", v)
	}
}

func TestOpen_UnavailablePath(t *testing.T) {
	// A regular file where the parent directory should be.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(filepath.Join(blocker, "sub", "fieldq.db"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Open() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestClose_Twice(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestClose_UseAfterClose(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := db.LoadTasks(context.Background()); err == nil {
		t.Error("LoadTasks() after Close succeeded, want error")
	}
	if _, err := db.QueueStats(context.Background(), 3); err == nil {
		t.Error("QueueStats() after Close succeeded, want error")
	}
}

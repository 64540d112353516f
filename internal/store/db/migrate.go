package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// SchemaVersion is the schema version this build expects.
const SchemaVersion = 2

// migration upgrades the schema from Version-1 to Version.
//
// Statements that fail with "duplicate column name" are treated as already
// applied: databases written by early builds sometimes carry a column
// without the version bump that should have accompanied it.
type migration struct {
	Version    int
	Name       string
	Statements []string
}

// baseSchema is the version 1 layout. Every store that reports version 0
// but already has tables was written with it.
const baseSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	substationId TEXT,
	substationName TEXT,
	lat REAL,
	lng REAL,
	status TEXT,
	priority TEXT,
	assignedAt TEXT,
	description TEXT,
	checklist TEXT,
	syncedAt TEXT
);

CREATE TABLE IF NOT EXISTS queued_reports (
	id TEXT PRIMARY KEY,
	taskId TEXT,
	notes TEXT,
	severity TEXT,
	photos TEXT,
	videos TEXT,
	checklistData TEXT,
	createdAt TEXT,
	synced INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS media_queue (
	id TEXT PRIMARY KEY,
	reportId TEXT,
	filePath TEXT,
	fileType TEXT,
	uploaded INTEGER DEFAULT 0,
	createdAt TEXT
);
`

// currentSchema is the full layout at SchemaVersion, used for fresh installs
// and to verify tables on already-migrated stores.
const currentSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	substationId TEXT,
	substationName TEXT,
	lat REAL,
	lng REAL,
	status TEXT,
	priority TEXT,
	assignedAt TEXT,
	description TEXT,
	checklist TEXT,  -- JSON array
	syncedAt TEXT,
	createdAt TEXT,
	updatedAt TEXT
);

CREATE TABLE IF NOT EXISTS queued_reports (
	id TEXT PRIMARY KEY,
	taskId TEXT,
	notes TEXT,
	severity TEXT,
	photos TEXT,         -- JSON array
	videos TEXT,         -- JSON array
	checklistData TEXT,  -- JSON array
	createdAt TEXT,
	synced INTEGER DEFAULT 0,
	syncAttempts INTEGER NOT NULL DEFAULT 0,
	lastSyncAttempt TEXT,
	errorMessage TEXT
);

CREATE TABLE IF NOT EXISTS media_queue (
	id TEXT PRIMARY KEY,
	reportId TEXT,
	filePath TEXT,
	fileType TEXT,
	uploaded INTEGER DEFAULT 0,
	createdAt TEXT
);

CREATE INDEX IF NOT EXISTS idx_queued_reports_pending ON queued_reports(synced, createdAt);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_at ON tasks(assignedAt);
CREATE INDEX IF NOT EXISTS idx_media_queue_report ON media_queue(reportId);
`

var migrations = []migration{
	{
		Version: 2,
		Name:    "sync tracking columns",
		Statements: []string{
			`ALTER TABLE queued_reports ADD COLUMN syncAttempts INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE queued_reports ADD COLUMN lastSyncAttempt TEXT`,
			`ALTER TABLE queued_reports ADD COLUMN errorMessage TEXT`,
			`ALTER TABLE tasks ADD COLUMN createdAt TEXT`,
			`ALTER TABLE tasks ADD COLUMN updatedAt TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_queued_reports_pending ON queued_reports(synced, createdAt)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_at ON tasks(assignedAt)`,
			`CREATE INDEX IF NOT EXISTS idx_media_queue_report ON media_queue(reportId)`,
		},
	},
}

// Version returns the schema version stored in the database.
func (db *DB) Version(ctx context.Context) (int, error) {
	return readVersion(ctx, db.conn)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readVersion(ctx context.Context, q queryer) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, errors.Wrap(err, "failed to read schema version")
	}
	return v, nil
}

func tableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check table %s", name)
	}
	return count == 1, nil
}

// migrate brings the schema to SchemaVersion inside a single transaction,
// so the stored version only moves once every step has succeeded.
func (db *DB) migrate(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin migration", err)
	}
	defer tx.Rollback()

	stored, err := readVersion(ctx, tx)
	if err != nil {
		return errors.Wrapf(ErrMigrationFailed, "%v", err)
	}

	exists, err := tableExists(ctx, tx, "queued_reports")
	if err != nil {
		return errors.Wrapf(ErrMigrationFailed, "%v", err)
	}

	switch {
	case stored == 0 && !exists:
		// Fresh install: create the current layout directly.
		if _, err := tx.ExecContext(ctx, currentSchema); err != nil {
			return errors.Wrapf(ErrMigrationFailed, "create schema: %v", err)
		}
		db.logger.Infof("created schema version %d", SchemaVersion)

	case stored < SchemaVersion:
		if _, err := tx.ExecContext(ctx, baseSchema); err != nil {
			return errors.Wrapf(ErrMigrationFailed, "verify base schema: %v", err)
		}
		for _, m := range migrations {
			if m.Version <= stored || m.Version > SchemaVersion {
				continue
			}
			if err := db.applyMigration(ctx, tx, m); err != nil {
				return err
			}
			db.applied = append(db.applied, m.Version)
		}

	default:
		if stored > SchemaVersion {
			db.logger.Warnf("schema version %d is newer than supported version %d", stored, SchemaVersion)
		}
		if _, err := tx.ExecContext(ctx, currentSchema); err != nil {
			return errors.Wrapf(ErrMigrationFailed, "verify schema: %v", err)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(ErrMigrationFailed, "commit: %v", err)
		}
		return nil
	}

	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return errors.Wrapf(ErrMigrationFailed, "persist version: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(ErrMigrationFailed, "commit: %v", err)
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, tx *sql.Tx, m migration) error {
	log := db.logger.WithField("migration", m.Version)
	log.Infof("applying migration: %s", m.Name)

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if isDuplicateColumn(err) {
				log.Warnf("column already present, continuing: %v", err)
				continue
			}
			return errors.Wrapf(ErrMigrationFailed, "version %d (%s): %v", m.Version, m.Name, err)
		}
	}
	return nil
}

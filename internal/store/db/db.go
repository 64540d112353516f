// Package db provides the durable local store for the field inspection app.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding three tables:
//
//   - tasks: cached server work items, upserted by id
//   - queued_reports: the offline report queue
//   - media_queue: photo/video references belonging to queued reports
//
// A single integer schema version (PRAGMA user_version) gates migrations.
// Opening the store applies pending migrations before any caller can read
// or write; a failed migration leaves the store closed.
//
// Multi-row writes run inside one transaction so a crash mid-batch leaves
// the database in its pre-batch state. JSON sub-structures (checklists,
// photo and video lists) are stored as TEXT and decoded transparently;
// malformed JSON decodes to an empty collection.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrStoreUnavailable means the database could not be created or opened.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrMigrationFailed means a schema migration step failed for a reason
	// other than "already applied". The store is left closed.
	ErrMigrationFailed = errors.New("schema migration failed")
	// ErrDuplicateID is returned when inserting a report whose id already exists.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotOpen is returned by Opener.DB before the store finished opening.
	ErrNotOpen = errors.New("store not open")
)

// timeLayout is fixed width so TEXT ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection with the field store operations.
type DB struct {
	conn   *sql.DB
	path   string
	logger logrus.FieldLogger

	// migrations applied while opening this handle, in order
	applied []int

	closeOnce sync.Once
	closeErr  error
}

// Open creates or opens the store at path and brings its schema up to date.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("/var/lib/fieldq/fieldq.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path, nil)
}

// OpenContext is Open with a context and an optional logger.
func OpenContext(ctx context.Context, path string, logger logrus.FieldLogger) (*DB, error) {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "db")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, unavailable("create database directory", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open database", err)
	}

	// One connection serializes writers; transactions provide atomicity.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, unavailable("ping database", err)
	}

	db := &DB{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.WithField("path", path).Debug("store opened")
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// AppliedMigrations returns the schema versions migrated while opening this handle.
func (db *DB) AppliedMigrations() []int {
	return append([]int(nil), db.applied...)
}

// Close checkpoints the WAL and closes the connection. Later calls return
// the first call's result; operations on a closed DB return an error.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Warnf("failed to checkpoint WAL: %v", err)
		}
		if err := db.conn.Close(); err != nil {
			db.closeErr = errors.Wrap(err, "failed to close database")
		}
	})
	return db.closeErr
}

func unavailable(op string, err error) error {
	return errors.Wrapf(ErrStoreUnavailable, "%s: %v", op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeList decodes a JSON array column. Empty, null and malformed values
// yield an empty slice.
func decodeList[T any](logger logrus.FieldLogger, column string, ns sql.NullString) []T {
	out := []T{}
	s := strings.TrimSpace(ns.String)
	if !ns.Valid || s == "" || s == "null" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		logger.Warnf("malformed %s JSON, using empty list: %v", column, err)
		return []T{}
	}
	if out == nil {
		out = []T{}
	}
	return out
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fieldops/fieldq/internal/store/schema"
)

const reportColumns = `id, taskId, notes, severity, photos, videos, checklistData,
	createdAt, synced, syncAttempts, lastSyncAttempt, errorMessage`

// QueueStats aggregates the report queue.
type QueueStats struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// ReportFilter configures ListQueuedReports.
type ReportFilter struct {
	// UnsyncedOnly restricts results to synced = 0
	UnsyncedOnly bool
	// TaskID filters to reports of one task (empty = all)
	TaskID string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// InsertQueuedReport inserts a new report and its media rows in one transaction.
//
// This is an insert, never an upsert: an existing id fails with ErrDuplicateID
// and leaves the stored report untouched.
func (db *DB) InsertQueuedReport(ctx context.Context, r *schema.QueuedReport) error {
	if err := r.Validate(); err != nil {
		return errors.Wrap(err, "invalid report")
	}

	photos, err := marshalJSON(nonNil(r.Photos))
	if err != nil {
		return errors.Wrap(err, "failed to marshal photos")
	}
	videos, err := marshalJSON(nonNil(r.Videos))
	if err != nil {
		return errors.Wrap(err, "failed to marshal videos")
	}
	checklist, err := marshalJSON(schema.CloneChecklist(r.ChecklistData))
	if err != nil {
		return errors.Wrap(err, "failed to marshal checklist data")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_reports WHERE id = ?`, r.ID).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "failed to check report id")
	}
	if exists > 0 {
		return errors.Wrapf(ErrDuplicateID, "report %s", r.ID)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO queued_reports (`+reportColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.TaskID,
		r.Notes,
		string(r.Severity),
		photos,
		videos,
		checklist,
		formatTime(r.CreatedAt),
		boolToInt(r.Synced),
		r.SyncAttempts,
		timeToNullString(r.LastSyncAttempt),
		nullIfEmpty(r.ErrorMessage),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrDuplicateID, "report %s", r.ID)
		}
		return errors.Wrapf(err, "failed to insert report %s", r.ID)
	}

	for _, m := range r.MediaItems() {
		_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO media_queue (id, reportId, filePath, fileType, uploaded, createdAt)
		VALUES (?, ?, ?, ?, 0, ?)`,
			m.ID, m.ReportID, m.FilePath, string(m.FileType), formatTime(m.CreatedAt))
		if err != nil {
			return errors.Wrapf(err, "failed to queue media %s", m.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit report %s", r.ID)
	}
	return nil
}

// GetQueuedReport retrieves one report by id. Returns ErrNotFound if absent.
func (db *DB) GetQueuedReport(ctx context.Context, id string) (*schema.QueuedReport, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM queued_reports WHERE id = ?`, id)
	r, err := db.scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "report %s", id)
	}
	return r, err
}

// ListQueuedReports returns reports matching filter, oldest first.
func (db *DB) ListQueuedReports(ctx context.Context, filter ReportFilter) ([]*schema.QueuedReport, error) {
	var conditions []string
	var args []any

	if filter.UnsyncedOnly {
		conditions = append(conditions, "synced = 0")
	}
	if filter.TaskID != "" {
		conditions = append(conditions, "taskId = ?")
		args = append(args, filter.TaskID)
	}

	query := `SELECT ` + reportColumns + ` FROM queued_reports`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	// rowid breaks ties between reports created in the same instant
	query += " ORDER BY createdAt ASC, rowid ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query reports")
	}
	defer rows.Close()

	reports := []*schema.QueuedReport{}
	for rows.Next() {
		r, err := db.scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating reports")
	}
	return reports, nil
}

// ListUnsyncedReports returns reports with synced = 0, oldest first.
func (db *DB) ListUnsyncedReports(ctx context.Context) ([]*schema.QueuedReport, error) {
	return db.ListQueuedReports(ctx, ReportFilter{UnsyncedOnly: true})
}

// MarkReportSynced flags a report as synced, clears its error and stamps the
// attempt time. Its media rows are flagged uploaded.
//
// Returns changed=false without writing when the report is already synced.
func (db *DB) MarkReportSynced(ctx context.Context, id string, at time.Time) (changed bool, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	UPDATE queued_reports
	SET synced = 1, errorMessage = NULL, lastSyncAttempt = ?
	WHERE id = ? AND synced = 0`, formatTime(at), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark report %s synced", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_reports WHERE id = ?`, id).Scan(&exists); err != nil {
			return false, errors.Wrap(err, "failed to check report id")
		}
		if exists == 0 {
			return false, errors.Wrapf(ErrNotFound, "report %s", id)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE media_queue SET uploaded = 1 WHERE reportId = ?`, id); err != nil {
		return false, errors.Wrapf(err, "failed to mark media of report %s uploaded", id)
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit")
	}
	return true, nil
}

// IncrementSyncAttempts records a failed attempt and returns the new count.
func (db *DB) IncrementSyncAttempts(ctx context.Context, id, message string, at time.Time) (int, error) {
	var attempts int
	err := db.conn.QueryRowContext(ctx, `
	UPDATE queued_reports
	SET syncAttempts = syncAttempts + 1, lastSyncAttempt = ?, errorMessage = ?
	WHERE id = ? AND synced = 0
	RETURNING syncAttempts`, formatTime(at), nullIfEmpty(message), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(ErrNotFound, "unsynced report %s", id)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment attempts of report %s", id)
	}
	return attempts, nil
}

// QueueStats aggregates the queue. Unsynced reports with fewer than ceiling
// attempts are pending; the rest of the unsynced reports are failed.
func (db *DB) QueueStats(ctx context.Context, ceiling int) (QueueStats, error) {
	var s QueueStats
	err := db.conn.QueryRowContext(ctx, `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 0 AND syncAttempts < ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 0 AND syncAttempts >= ? THEN 1 ELSE 0 END), 0)
	FROM queued_reports`, ceiling, ceiling).Scan(&s.Total, &s.Synced, &s.Pending, &s.Failed)
	if err != nil {
		return QueueStats{}, errors.Wrap(err, "failed to compute queue stats")
	}
	return s, nil
}

// DeleteSyncedReports removes every synced report and its media rows.
// Returns the number of reports deleted.
func (db *DB) DeleteSyncedReports(ctx context.Context) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	DELETE FROM media_queue
	WHERE reportId IN (SELECT id FROM queued_reports WHERE synced = 1)`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete media of synced reports")
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM queued_reports WHERE synced = 1`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete synced reports")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit")
	}
	return int(n), nil
}

// ListMedia returns the media rows of a report, photos first.
func (db *DB) ListMedia(ctx context.Context, reportID string) ([]schema.MediaItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, reportId, filePath, fileType, uploaded, createdAt
	FROM media_queue WHERE reportId = ?
	ORDER BY CASE fileType WHEN 'photo' THEN 0 ELSE 1 END, rowid ASC`, reportID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query media")
	}
	defer rows.Close()

	var items []schema.MediaItem
	for rows.Next() {
		var m schema.MediaItem
		var fileType, createdAt sql.NullString
		var uploaded int
		if err := rows.Scan(&m.ID, &m.ReportID, &m.FilePath, &fileType, &uploaded, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan media")
		}
		m.FileType = schema.MediaType(fileType.String)
		m.Uploaded = uploaded == 1
		if t := nullStringToTime(createdAt); t != nil {
			m.CreatedAt = *t
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating media")
	}
	return items, nil
}

func (db *DB) scanReport(row rowScanner) (*schema.QueuedReport, error) {
	var (
		r                       schema.QueuedReport
		taskID, notes, severity sql.NullString
		photos, videos, list    sql.NullString
		createdAt, lastAttempt  sql.NullString
		errorMessage            sql.NullString
		synced, attempts        sql.NullInt64
	)

	err := row.Scan(
		&r.ID,
		&taskID,
		&notes,
		&severity,
		&photos,
		&videos,
		&list,
		&createdAt,
		&synced,
		&attempts,
		&lastAttempt,
		&errorMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan report")
	}

	r.TaskID = taskID.String
	r.Notes = notes.String
	r.Severity = schema.Severity(severity.String)
	r.Photos = decodeList[string](db.logger, "photos", photos)
	r.Videos = decodeList[string](db.logger, "videos", videos)
	r.ChecklistData = decodeList[schema.ChecklistItem](db.logger, "checklistData", list)
	r.Synced = synced.Int64 == 1
	r.SyncAttempts = int(attempts.Int64)
	r.LastSyncAttempt = nullStringToTime(lastAttempt)
	r.ErrorMessage = errorMessage.String
	if t := nullStringToTime(createdAt); t != nil {
		r.CreatedAt = *t
	}

	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

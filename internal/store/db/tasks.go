package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/fieldops/fieldq/internal/store/schema"
)

const taskColumns = `id, substationId, substationName, lat, lng, status, priority,
	assignedAt, description, checklist, syncedAt, createdAt, updatedAt`

// SaveTasks upserts tasks by id in one transaction.
//
// Every task is validated before anything is written, so an invalid task
// rejects the whole batch. Existing rows keep their createdAt.
func (db *DB) SaveTasks(ctx context.Context, tasks []*schema.Task) error {
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return errors.Wrapf(err, "invalid task %q", task.ID)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		substationId = excluded.substationId,
		substationName = excluded.substationName,
		lat = excluded.lat,
		lng = excluded.lng,
		status = excluded.status,
		priority = excluded.priority,
		assignedAt = excluded.assignedAt,
		description = excluded.description,
		checklist = excluded.checklist,
		syncedAt = excluded.syncedAt,
		updatedAt = excluded.updatedAt
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "failed to prepare task upsert")
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, task := range tasks {
		checklist, err := marshalJSON(schema.CloneChecklist(task.Checklist))
		if err != nil {
			return errors.Wrapf(err, "failed to marshal checklist for task %s", task.ID)
		}

		_, err = stmt.ExecContext(ctx,
			task.ID,
			task.SubstationID,
			task.SubstationName,
			task.Lat,
			task.Lng,
			string(task.Status),
			string(task.Priority),
			timeToNullString(&task.AssignedAt),
			task.Description,
			checklist,
			now,
			now,
			now,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to upsert task %s", task.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit tasks")
	}
	return nil
}

// LoadTasks returns all cached tasks, most recently assigned first.
func (db *DB) LoadTasks(ctx context.Context) ([]*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY assignedAt DESC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tasks")
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		task, err := db.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating tasks")
	}
	return tasks, nil
}

// GetTask retrieves a single task by id. Returns ErrNotFound if absent.
func (db *DB) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := db.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	return task, err
}

// UpdateTaskStatus sets the status of a cached task.
func (db *DB) UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus) error {
	if !status.Valid() {
		return errors.Errorf("invalid status %q", status)
	}
	res, err := db.conn.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updatedAt = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of task %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "task %s", id)
	}
	return nil
}

// DeleteTask removes a cached task. Returns nil if the task doesn't exist.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete task %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanTask(row rowScanner) (*schema.Task, error) {
	var (
		task                           schema.Task
		substationID, substationName   sql.NullString
		lat, lng                       sql.NullFloat64
		status, priority, description  sql.NullString
		assignedAt, checklist          sql.NullString
		syncedAt, createdAt, updatedAt sql.NullString
	)

	err := row.Scan(
		&task.ID,
		&substationID,
		&substationName,
		&lat,
		&lng,
		&status,
		&priority,
		&assignedAt,
		&description,
		&checklist,
		&syncedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan task")
	}

	task.SubstationID = substationID.String
	task.SubstationName = substationName.String
	task.Lat = lat.Float64
	task.Lng = lng.Float64
	task.Status = schema.TaskStatus(status.String)
	task.Priority = schema.Priority(priority.String)
	task.Description = description.String
	task.Checklist = decodeList[schema.ChecklistItem](db.logger, "checklist", checklist)

	if t := nullStringToTime(assignedAt); t != nil {
		task.AssignedAt = *t
	}
	if t := nullStringToTime(syncedAt); t != nil {
		task.SyncedAt = *t
	}
	if t := nullStringToTime(createdAt); t != nil {
		task.CreatedAt = *t
	}
	if t := nullStringToTime(updatedAt); t != nil {
		task.UpdatedAt = *t
	}

	return &task, nil
}

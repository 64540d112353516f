package app

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fieldops/fieldq/internal/push"
	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
)

var _ push.Handler = (*App)(nil)

// TaskAssigned caches a task the server just assigned.
func (a *App) TaskAssigned(ctx context.Context, task *schema.Task) error {
	d, err := a.opener.DB()
	if err != nil {
		return err
	}
	if err := d.SaveTasks(ctx, []*schema.Task{task}); err != nil {
		return err
	}
	stored, err := d.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	a.view.UpsertTask(stored)
	return nil
}

// TaskUpdated applies server-side changes to a cached task. Updates for
// tasks that were never cached are dropped.
func (a *App) TaskUpdated(ctx context.Context, id string, changes push.TaskChanges) error {
	d, err := a.opener.DB()
	if err != nil {
		return err
	}
	task, err := d.GetTask(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		a.logger.WithField("task", id).Debug("update for unknown task ignored")
		return nil
	}
	if err != nil {
		return err
	}

	changes.Apply(task)
	if err := d.SaveTasks(ctx, []*schema.Task{task}); err != nil {
		return err
	}
	a.view.UpsertTask(task)
	return nil
}

// TaskDeleted drops a task from the cache and the view model.
func (a *App) TaskDeleted(ctx context.Context, id string) error {
	d, err := a.opener.DB()
	if err != nil {
		return err
	}
	if err := d.DeleteTask(ctx, id); err != nil {
		return err
	}
	a.view.RemoveTask(id)
	return nil
}

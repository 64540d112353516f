// Package app wires the store, queue, connectivity monitor, sync engine and
// view model into the surface the CLI and dashboard use.
package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fieldops/fieldq/internal/api"
	"github.com/fieldops/fieldq/internal/config"
	"github.com/fieldops/fieldq/internal/connectivity"
	"github.com/fieldops/fieldq/internal/logging"
	"github.com/fieldops/fieldq/internal/queue"
	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
	"github.com/fieldops/fieldq/internal/syncengine"
	"github.com/fieldops/fieldq/internal/viewmodel"
)

// ReasonThrottled is reported when a manual sync arrives faster than
// sync.manual_rate allows.
const ReasonThrottled = "throttled"

// TaskAPI is the slice of the server API used for task bookkeeping.
type TaskAPI interface {
	FetchTasks(ctx context.Context) ([]*schema.Task, error)
	FetchTask(ctx context.Context, id string) (*schema.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus) error
}

// Options configures New. Submitter, Tasks and Source default to the HTTP
// implementations built from Config.
type Options struct {
	Config *config.Config
	Logger logrus.FieldLogger

	Submitter syncengine.Submitter
	Tasks     TaskAPI
	Source    connectivity.Source
}

// App owns every long-lived component.
type App struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	opener  *db.Opener
	view    *viewmodel.Store
	queue   *queue.Repository
	monitor *connectivity.Monitor
	engine  *syncengine.Engine
	tasks   TaskAPI
	limiter *rate.Limiter
}

// New builds the component graph. Nothing touches disk or network until
// Open or Run.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("config cannot be nil")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var client *api.Client
	if opts.Submitter == nil || opts.Tasks == nil {
		client = api.New(api.Config{
			BaseURL: cfg.API.BaseURL,
			Timeout: cfg.API.Timeout,
			Token:   cfg.API.Token,
			Logger:  logging.Component(logger, "api"),
		})
	}
	submitter := opts.Submitter
	if submitter == nil {
		submitter = client
	}
	tasks := opts.Tasks
	if tasks == nil {
		tasks = client
	}
	source := opts.Source
	if source == nil {
		source = connectivity.NewProbeSource(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval,
			cfg.API.Timeout, logging.Component(logger, "probe"))
	}

	view := viewmodel.New(logging.Component(logger, "viewmodel"))
	opener := db.NewOpener(cfg.DB.Path, logging.Component(logger, "store"))
	repo := queue.NewRepository(opener, view, cfg.Sync.Ceiling, logging.Component(logger, "queue"))
	monitor := connectivity.NewMonitor(source, cfg.Connectivity.Debounce, logging.Component(logger, "connectivity"))

	engine, err := syncengine.New(repo, submitter, monitor, &syncengine.Config{
		Interval: cfg.Sync.Interval,
		Backoff:  cfg.Sync.Backoff,
		Logger:   logging.Component(logger, "syncengine"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sync engine")
	}

	limit := rate.Inf
	if cfg.Sync.ManualRate > 0 {
		limit = rate.Limit(cfg.Sync.ManualRate)
	}

	return &App{
		cfg:     cfg,
		logger:  logging.Component(logger, "app"),
		opener:  opener,
		view:    view,
		queue:   repo,
		monitor: monitor,
		engine:  engine,
		tasks:   tasks,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Open opens the store and hydrates the view model from it. Store and
// migration failures are returned unchanged and must be treated as fatal.
func (a *App) Open(ctx context.Context) error {
	if _, err := a.opener.Open(ctx); err != nil {
		return err
	}
	return a.Hydrate(ctx)
}

// Close releases the store.
func (a *App) Close() error {
	return a.opener.Close()
}

// Config returns the configuration the app was built with.
func (a *App) Config() *config.Config { return a.cfg }

// View returns the view model.
func (a *App) View() *viewmodel.Store { return a.view }

// Engine returns the sync engine.
func (a *App) Engine() *syncengine.Engine { return a.engine }

// Monitor returns the connectivity monitor.
func (a *App) Monitor() *connectivity.Monitor { return a.monitor }

// Hydrate reloads tasks and reports from the store into the view model.
func (a *App) Hydrate(ctx context.Context) error {
	d, err := a.opener.DB()
	if err != nil {
		return err
	}
	tasks, err := d.LoadTasks(ctx)
	if err != nil {
		return err
	}
	reports, err := a.queue.LoadAll(ctx)
	if err != nil {
		return err
	}
	a.view.Hydrate(tasks, reports)
	return nil
}

// EnqueueReport persists a new report and marks its task completed.
func (a *App) EnqueueReport(ctx context.Context, report *schema.QueuedReport) (*schema.QueuedReport, error) {
	stored, err := a.queue.Enqueue(ctx, report)
	if err != nil {
		return nil, err
	}
	a.setTaskStatus(ctx, stored.TaskID, schema.TaskCompleted)
	return stored, nil
}

// LoadQueue returns every queued report, oldest first.
func (a *App) LoadQueue(ctx context.Context) ([]*schema.QueuedReport, error) {
	return a.queue.LoadAll(ctx)
}

// Stats returns the queue counts. Before the store is ready it returns
// zeros rather than an error so status displays never block.
func (a *App) Stats(ctx context.Context) (db.QueueStats, error) {
	if !a.queue.Ready() {
		return db.QueueStats{}, nil
	}
	return a.queue.Stats(ctx)
}

// PurgeSynced deletes synced reports from the store and the view model.
func (a *App) PurgeSynced(ctx context.Context) (int, error) {
	return a.queue.PurgeSynced(ctx)
}

// ForceSyncReport retries one report regardless of its attempt count.
func (a *App) ForceSyncReport(ctx context.Context, id string) bool {
	return a.engine.ForceSyncReport(ctx, id)
}

// ManualSyncAll runs a drain on user request, throttled by sync.manual_rate.
// When the monitor has not observed the network yet, one probe is taken
// first so an offline device skips the drain instead of failing every report.
func (a *App) ManualSyncAll(ctx context.Context) syncengine.DrainResult {
	if !a.limiter.Allow() {
		return syncengine.DrainResult{Reason: ReasonThrottled}
	}
	a.monitor.Settle(ctx)
	return a.engine.SyncQueuedReports(ctx)
}

// UnsyncedCount returns the number of reports awaiting sync.
func (a *App) UnsyncedCount() int {
	return a.view.UnsyncedCount()
}

// IsOnline returns the debounced connectivity state.
func (a *App) IsOnline() bool {
	return a.monitor.IsOnline()
}

// Tasks returns the cached tasks, newest assignment first.
func (a *App) Tasks(ctx context.Context) ([]*schema.Task, error) {
	d, err := a.opener.DB()
	if err != nil {
		return nil, err
	}
	return d.LoadTasks(ctx)
}

// RefreshTasks fetches tasks from the server and caches them.
func (a *App) RefreshTasks(ctx context.Context) ([]*schema.Task, error) {
	d, err := a.opener.DB()
	if err != nil {
		return nil, err
	}
	fetched, err := a.tasks.FetchTasks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch tasks")
	}
	if err := d.SaveTasks(ctx, fetched); err != nil {
		return nil, err
	}
	tasks, err := d.LoadTasks(ctx)
	if err != nil {
		return nil, err
	}
	a.view.SetTasks(tasks)
	return tasks, nil
}

// OpenTask moves an assigned task to in_progress. Tasks in any other state
// are returned unchanged. A task missing from the cache is fetched from the
// server when online.
func (a *App) OpenTask(ctx context.Context, id string) (*schema.Task, error) {
	d, err := a.opener.DB()
	if err != nil {
		return nil, err
	}
	task, err := d.GetTask(ctx, id)
	if errors.Is(err, db.ErrNotFound) && a.monitor.IsOnline() {
		task, err = a.fetchTask(ctx, d, id, err)
	}
	if err != nil {
		return nil, err
	}
	if task.Status != schema.TaskAssigned {
		return task, nil
	}

	a.setTaskStatus(ctx, id, schema.TaskInProgress)
	task.Status = schema.TaskInProgress

	if a.monitor.IsOnline() {
		callCtx, cancel := a.callContext(ctx)
		defer cancel()
		if err := a.tasks.UpdateTaskStatus(callCtx, id, task.Status); err != nil {
			a.logger.WithError(err).WithField("task", id).Debug("server task status update failed")
		}
	}
	return task, nil
}

// fetchTask loads one task from the server and caches it. On failure the
// cache miss is returned.
func (a *App) fetchTask(ctx context.Context, d *db.DB, id string, miss error) (*schema.Task, error) {
	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	fetched, err := a.tasks.FetchTask(callCtx, id)
	if err != nil {
		a.logger.WithError(err).WithField("task", id).Debug("server task fetch failed")
		return nil, miss
	}
	if err := a.TaskAssigned(ctx, fetched); err != nil {
		return nil, err
	}
	return d.GetTask(ctx, id)
}

// setTaskStatus updates the cached task and the view model.
func (a *App) setTaskStatus(ctx context.Context, id string, status schema.TaskStatus) {
	log := a.logger.WithFields(logrus.Fields{"task": id, "status": status})

	d, err := a.opener.DB()
	if err != nil {
		log.WithError(err).Warn("task status not persisted")
		return
	}
	if err := d.UpdateTaskStatus(ctx, id, status); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Debug("task not cached locally")
		} else {
			log.WithError(err).Warn("task status not persisted")
		}
	}
	a.view.SetTaskStatus(id, status)
}

func (a *App) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.API.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.API.Timeout)
}

// Package queue is the only code path that reads or writes queued reports.
//
// Every write goes to the durable store first and is mirrored into the view
// model only once the store accepted it, so the two never disagree for
// longer than a single call.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
	"github.com/fieldops/fieldq/internal/viewmodel"
)

// DefaultCeiling is the number of automatic attempts before a report is
// considered failed.
const DefaultCeiling = 3

// ErrIncompleteChecklist is returned by Enqueue when a required checklist
// item is not checked.
var ErrIncompleteChecklist = errors.New("required checklist items not checked")

// Store hands out the durable store once it is open.
// *db.Opener implements it.
type Store interface {
	DB() (*db.DB, error)
}

// Repository implements the queue operations over the durable store.
type Repository struct {
	store   Store
	view    *viewmodel.Store
	ceiling int
	logger  logrus.FieldLogger

	// now is swapped in tests
	now func() time.Time
}

// NewRepository creates a Repository. ceiling <= 0 selects DefaultCeiling.
func NewRepository(store Store, view *viewmodel.Store, ceiling int, logger logrus.FieldLogger) *Repository {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "queue")
	}
	return &Repository{
		store:   store,
		view:    view,
		ceiling: ceiling,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewReportID returns a fresh client-generated report id.
func NewReportID() string {
	return uuid.NewString()
}

// Ceiling returns the automatic attempt ceiling.
func (r *Repository) Ceiling() int {
	return r.ceiling
}

// Ready reports whether the durable store is open.
func (r *Repository) Ready() bool {
	_, err := r.store.DB()
	return err == nil
}

// Enqueue validates and persists a new report, then mirrors it into the view
// model. The report is stored unsynced with zero attempts whatever the
// caller set; an empty id is filled with NewReportID.
//
// Returns the report as stored.
func (r *Repository) Enqueue(ctx context.Context, in *schema.QueuedReport) (*schema.QueuedReport, error) {
	d, err := r.store.DB()
	if err != nil {
		return nil, err
	}

	rep := in.Clone()
	rep.SetDefaults()
	if rep.ID == "" {
		rep.ID = NewReportID()
	}
	rep.Synced = false
	rep.SyncAttempts = 0
	rep.LastSyncAttempt = nil
	rep.ErrorMessage = ""

	if missing := schema.MissingRequired(rep.ChecklistData); len(missing) > 0 {
		labels := make([]string, len(missing))
		for i, item := range missing {
			labels[i] = item.Label
		}
		return nil, errors.Wrap(ErrIncompleteChecklist, strings.Join(labels, ", "))
	}

	if err := d.InsertQueuedReport(ctx, rep); err != nil {
		return nil, err
	}

	if r.view != nil {
		r.view.AddReport(rep)
	}
	r.logger.WithFields(logrus.Fields{
		"report":   rep.ID,
		"task":     rep.TaskID,
		"severity": rep.Severity,
	}).Info("report queued")

	return rep.Clone(), nil
}

// Get returns one report by id.
func (r *Repository) Get(ctx context.Context, id string) (*schema.QueuedReport, error) {
	d, err := r.store.DB()
	if err != nil {
		return nil, err
	}
	return d.GetQueuedReport(ctx, id)
}

// LoadAll returns every report in the queue, oldest first.
func (r *Repository) LoadAll(ctx context.Context) ([]*schema.QueuedReport, error) {
	d, err := r.store.DB()
	if err != nil {
		return nil, err
	}
	return d.ListQueuedReports(ctx, db.ReportFilter{})
}

// LoadUnsynced returns reports not yet synced, oldest first. Reports at or
// above the ceiling are included.
func (r *Repository) LoadUnsynced(ctx context.Context) ([]*schema.QueuedReport, error) {
	d, err := r.store.DB()
	if err != nil {
		return nil, err
	}
	return d.ListUnsyncedReports(ctx)
}

// MarkSynced flags a report synced. Calling it again for the same report
// changes nothing and returns changed=false.
func (r *Repository) MarkSynced(ctx context.Context, id string) (changed bool, err error) {
	d, err := r.store.DB()
	if err != nil {
		return false, err
	}

	at := r.now()
	changed, err = d.MarkReportSynced(ctx, id, at)
	if err != nil {
		return false, err
	}
	if changed && r.view != nil {
		r.view.MarkReportSynced(id, at)
	}
	return changed, nil
}

// IncrementAttempt records a failed attempt with its error message and
// returns the new attempt count.
//
// It never fails the caller: a write error is logged and 0 is returned, so
// recording the attempt cannot hide the submission failure being recorded.
func (r *Repository) IncrementAttempt(ctx context.Context, id, message string) int {
	log := r.logger.WithField("report", id)

	d, err := r.store.DB()
	if err != nil {
		log.WithError(err).Warn("cannot record sync attempt")
		return 0
	}

	at := r.now()
	attempts, err := d.IncrementSyncAttempts(ctx, id, message, at)
	if err != nil {
		log.WithError(err).Warn("failed to record sync attempt")
		return 0
	}
	if r.view != nil {
		r.view.RecordAttempt(id, attempts, message, at)
	}
	return attempts
}

// Stats aggregates the queue. Pure read.
func (r *Repository) Stats(ctx context.Context) (db.QueueStats, error) {
	d, err := r.store.DB()
	if err != nil {
		return db.QueueStats{}, err
	}
	return d.QueueStats(ctx, r.ceiling)
}

// PurgeSynced deletes every synced report and returns how many were deleted.
// Purged reports cannot be recovered.
func (r *Repository) PurgeSynced(ctx context.Context) (int, error) {
	d, err := r.store.DB()
	if err != nil {
		return 0, err
	}

	n, err := d.DeleteSyncedReports(ctx)
	if err != nil {
		return 0, err
	}
	if r.view != nil {
		r.view.RemoveSynced()
	}
	if n > 0 {
		r.logger.Infof("purged %d synced reports", n)
	}
	return n, nil
}

// Package syncengine drains the offline report queue to the server.
//
// The engine:
//  1. Drains when connectivity returns, on a periodic timer while online,
//     and on explicit request
//  2. Runs at most one drain at a time; a trigger arriving mid-drain is a no-op
//  3. Submits reports oldest first, skipping those at the attempt ceiling
//  4. Records every failure on the report and moves on to the next one
package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
)

// Submitter delivers one report to the server. Submission is idempotent on
// the server by report id.
type Submitter interface {
	Submit(ctx context.Context, r *schema.QueuedReport) error
}

// Queue is the part of the queue repository the engine drives.
// *queue.Repository implements it.
type Queue interface {
	Ready() bool
	Ceiling() int
	LoadUnsynced(ctx context.Context) ([]*schema.QueuedReport, error)
	Get(ctx context.Context, id string) (*schema.QueuedReport, error)
	MarkSynced(ctx context.Context, id string) (bool, error)
	IncrementAttempt(ctx context.Context, id, message string) int
}

// Connectivity publishes online/offline state. Provisional is true until
// the first real observation; the first observation is always published.
// *connectivity.Monitor implements it.
type Connectivity interface {
	IsOnline() bool
	Provisional() bool
	Subscribe() (<-chan bool, func())
}

// Config holds configuration for the engine.
type Config struct {
	// Interval is how often to drain while online
	Interval time.Duration

	// Backoff delays automatic retry of a failed report until
	// lastSyncAttempt + Backoff*2^(attempts-1). Zero disables it.
	Backoff time.Duration

	// Logger for engine activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 60 * time.Second,
		Logger:   logrus.StandardLogger().WithField("component", "syncengine"),
	}
}

// Skip reasons reported in DrainResult.Reason.
const (
	ReasonAlreadyDraining = "already draining"
	ReasonOffline         = "offline"
	ReasonStoreNotReady   = "store not ready"
)

// DrainResult summarizes one call to SyncQueuedReports.
type DrainResult struct {
	// Started is false when the drain returned before doing any work
	Started bool
	Reason  string

	Attempted int
	Succeeded int
	Failed    int
	// Skipped counts reports at the ceiling, backing off, or being
	// force-synced concurrently
	Skipped int
}

// Engine drives reports from pending to synced.
type Engine struct {
	queue     Queue
	submitter Submitter
	conn      Connectivity
	config    *Config
	logger    logrus.FieldLogger

	draining atomic.Bool

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	mu         sync.Mutex
	interval   time.Duration
	intervalCh chan time.Duration
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// now is swapped in tests
	now func() time.Time
}

// New creates an Engine. conn may be nil, in which case the engine always
// considers itself online and only the timer and manual calls trigger drains.
func New(q Queue, submitter Submitter, conn Connectivity, config *Config) (*Engine, error) {
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if submitter == nil {
		return nil, errors.New("submitter cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	logger := config.Logger
	if logger == nil {
		logger = DefaultConfig().Logger
	}

	return &Engine{
		queue:      q,
		submitter:  submitter,
		conn:       conn,
		config:     config,
		logger:     logger,
		inflight:   make(map[string]struct{}),
		interval:   config.Interval,
		intervalCh: make(chan time.Duration, 1),
		now:        time.Now,
	}, nil
}

// Draining reports whether a drain is in progress.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

func (e *Engine) online() bool {
	return e.conn == nil || e.conn.IsOnline()
}

// SyncQueuedReports drains the queue once.
//
// It returns immediately, with Started=false, when another drain is in
// progress, when offline, or when the store is not open yet. Otherwise every
// unsynced report below the ceiling is submitted in creation order; a
// failure is recorded on the report and never stops the drain.
func (e *Engine) SyncQueuedReports(ctx context.Context) DrainResult {
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain already in progress, skipping")
		return DrainResult{Reason: ReasonAlreadyDraining}
	}
	defer e.draining.Store(false)

	if !e.online() {
		e.logger.Debug("offline, skipping drain")
		return DrainResult{Reason: ReasonOffline}
	}
	if !e.queue.Ready() {
		e.logger.Debug("store not ready, skipping drain")
		return DrainResult{Reason: ReasonStoreNotReady}
	}

	res := DrainResult{Started: true}

	reports, err := e.queue.LoadUnsynced(ctx)
	if err != nil {
		e.logger.WithError(err).Error("failed to load unsynced reports")
		return res
	}
	if len(reports) == 0 {
		return res
	}

	ceiling := e.queue.Ceiling()
	start := e.now()
	e.logger.Infof("draining %d unsynced reports", len(reports))

	for _, r := range reports {
		log := e.logger.WithField("report", r.ID)

		if r.SyncAttempts >= ceiling {
			res.Skipped++
			continue
		}
		if e.backingOff(r) {
			log.Debug("backing off")
			res.Skipped++
			continue
		}
		switch e.drainOne(ctx, r.ID, ceiling) {
		case outcomeSynced:
			res.Attempted++
			res.Succeeded++
		case outcomeFailed:
			res.Attempted++
			res.Failed++
		default:
			res.Skipped++
		}
	}

	e.logger.WithFields(logrus.Fields{
		"attempted": res.Attempted,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
		"duration":  time.Since(start).String(),
	}).Info("drain complete")

	return res
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSynced
	outcomeFailed
)

// drainOne claims the report and re-reads it, so a report synced since the
// list was loaded is not submitted again.
func (e *Engine) drainOne(ctx context.Context, id string, ceiling int) outcome {
	log := e.logger.WithField("report", id)

	if !e.acquire(id) {
		log.Debug("being force-synced, skipping")
		return outcomeSkipped
	}
	defer e.release(id)

	current, err := e.queue.Get(ctx, id)
	if err != nil {
		log.WithError(err).Warn("failed to reload report")
		return outcomeSkipped
	}
	if current.Synced || current.SyncAttempts >= ceiling {
		return outcomeSkipped
	}

	if e.submit(ctx, current) {
		return outcomeSynced
	}
	return outcomeFailed
}

// ForceSyncReport submits one report regardless of the attempt ceiling,
// backoff and connectivity state. An already synced report returns true
// without a network call. Errors are logged, never returned.
func (e *Engine) ForceSyncReport(ctx context.Context, id string) bool {
	log := e.logger.WithField("report", id)

	if !e.queue.Ready() {
		log.Warn("store not ready, cannot force sync")
		return false
	}

	// Claim before reading, so a drain that synced the report in between
	// is seen here and the report is not submitted twice.
	if !e.acquire(id) {
		log.Info("report is being submitted by a drain")
		return false
	}
	defer e.release(id)

	r, err := e.queue.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("force sync of unknown report")
		} else {
			log.WithError(err).Error("failed to load report")
		}
		return false
	}
	if r.Synced {
		return true
	}

	log.Info("force syncing report")
	return e.submit(ctx, r)
}

// submit performs one attempt and records its outcome.
func (e *Engine) submit(ctx context.Context, r *schema.QueuedReport) bool {
	log := e.logger.WithFields(logrus.Fields{
		"report": r.ID,
		"task":   r.TaskID,
	})

	if err := e.submitter.Submit(ctx, r); err != nil {
		attempts := e.queue.IncrementAttempt(ctx, r.ID, err.Error())
		log.WithError(err).WithField("attempts", attempts).Warn("submission failed")
		return false
	}

	if _, err := e.queue.MarkSynced(ctx, r.ID); err != nil {
		// The server has it; resubmitting next cycle is safe, losing track is not.
		log.WithError(err).Error("submitted but failed to mark synced, will resubmit")
		return false
	}

	log.Info("report synced")
	return true
}

func (e *Engine) backingOff(r *schema.QueuedReport) bool {
	if e.config.Backoff <= 0 || r.SyncAttempts == 0 || r.LastSyncAttempt == nil {
		return false
	}
	shift := r.SyncAttempts - 1
	if shift > 16 {
		shift = 16
	}
	wait := e.config.Backoff * time.Duration(1<<shift)
	return e.now().Before(r.LastSyncAttempt.Add(wait))
}

func (e *Engine) acquire(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, id)
}

package syncengine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldq/internal/queue"
	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
	"github.com/fieldops/fieldq/internal/viewmodel"
)

// fakeSubmitter fails reports listed in failing and records every call.
type fakeSubmitter struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]bool
	failAll bool

	// block, when set, holds every Submit until closed
	block   chan struct{}
	entered chan string
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{failing: make(map[string]bool)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, r *schema.QueuedReport) error {
	f.mu.Lock()
	f.calls = append(f.calls, r.ID)
	fail := f.failAll || f.failing[r.ID]
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- r.ID
	}
	if block != nil {
		<-block
	}
	if fail {
		return errors.New("network unreachable")
	}
	return nil
}

func (f *fakeSubmitter) setFailAll(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = v
}

func (f *fakeSubmitter) setFailing(id string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[id] = v
}

func (f *fakeSubmitter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSubmitter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type fakeConn struct {
	online      atomic.Bool
	provisional atomic.Bool
	changes     chan bool
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{changes: make(chan bool, 4)}
	c.online.Store(online)
	return c
}

func (c *fakeConn) IsOnline() bool { return c.online.Load() }

func (c *fakeConn) Provisional() bool { return c.provisional.Load() }

func (c *fakeConn) Subscribe() (<-chan bool, func()) { return c.changes, func() {} }

func (c *fakeConn) set(online bool) {
	c.online.Store(online)
	c.provisional.Store(false)
	c.changes <- online
}

type harness struct {
	repo   *queue.Repository
	view   *viewmodel.Store
	sub    *fakeSubmitter
	conn   *fakeConn
	engine *Engine
}

func newHarness(t *testing.T, config *Config) *harness {
	t.Helper()
	opener := db.NewOpener(filepath.Join(t.TempDir(), "fieldq.db"), nil)
	_, err := opener.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { opener.Close() })

	h := &harness{
		view: viewmodel.New(nil),
		sub:  newFakeSubmitter(),
		conn: newFakeConn(true),
	}
	h.view.Hydrate(nil, nil)
	h.repo = queue.NewRepository(opener, h.view, 3, nil)

	h.engine, err = New(h.repo, h.sub, h.conn, config)
	require.NoError(t, err)
	return h
}

func (h *harness) enqueue(t *testing.T, id string, created time.Time) {
	t.Helper()
	_, err := h.repo.Enqueue(context.Background(), &schema.QueuedReport{
		ID:        id,
		TaskID:    "t1",
		Severity:  schema.SeverityCritical,
		CreatedAt: created,
	})
	require.NoError(t, err)
}

func (h *harness) get(t *testing.T, id string) *schema.QueuedReport {
	t.Helper()
	r, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) synced(id string) bool {
	r, err := h.repo.Get(context.Background(), id)
	return err == nil && r.Synced
}

func (h *harness) stats(t *testing.T) db.QueueStats {
	t.Helper()
	s, err := h.repo.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, newFakeSubmitter(), nil, nil)
	assert.Error(t, err)

	h := newHarness(t, nil)
	_, err = New(h.repo, nil, nil, nil)
	assert.Error(t, err)

	assert.Equal(t, 60*time.Second, h.engine.Interval())
}

func TestFailThenForceSync(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.enqueue(t, "A", time.Now())
	h.conn.online.Store(false)

	res := h.engine.SyncQueuedReports(ctx)
	assert.False(t, res.Started)
	assert.Equal(t, ReasonOffline, res.Reason)
	assert.Empty(t, h.sub.Calls())
	assert.Equal(t, db.QueueStats{Total: 1, Pending: 1}, h.stats(t))

	h.conn.online.Store(true)
	h.sub.setFailAll(true)
	for i := 0; i < 3; i++ {
		res := h.engine.SyncQueuedReports(ctx)
		require.True(t, res.Started)
		assert.Equal(t, 1, res.Failed)
	}
	assert.Equal(t, db.QueueStats{Total: 1, Failed: 1}, h.stats(t))
	assert.Equal(t, "network unreachable", h.get(t, "A").ErrorMessage)

	// At the ceiling: excluded from automatic drains, still listed as unsynced.
	h.sub.reset()
	res = h.engine.SyncQueuedReports(ctx)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, h.sub.Calls())
	unsynced, err := h.repo.LoadUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	h.sub.setFailAll(false)
	assert.True(t, h.engine.ForceSyncReport(ctx, "A"))
	assert.Equal(t, db.QueueStats{Total: 1, Synced: 1}, h.stats(t))
	assert.Zero(t, h.view.UnsyncedCount())
	assert.Empty(t, h.get(t, "A").ErrorMessage)
}

func TestPartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	h.enqueue(t, "B", base)
	h.enqueue(t, "C", base.Add(time.Second))
	h.enqueue(t, "D", base.Add(2*time.Second))
	h.sub.setFailing("C", true)

	res := h.engine.SyncQueuedReports(ctx)
	assert.Equal(t, DrainResult{Started: true, Attempted: 3, Succeeded: 2, Failed: 1}, res)
	assert.Equal(t, []string{"B", "C", "D"}, h.sub.Calls())

	assert.True(t, h.get(t, "B").Synced)
	c := h.get(t, "C")
	assert.False(t, c.Synced)
	assert.Equal(t, 1, c.SyncAttempts)
	assert.True(t, h.get(t, "D").Synced)

	h.sub.reset()
	h.engine.SyncQueuedReports(ctx)
	assert.Equal(t, []string{"C"}, h.sub.Calls())
}

func TestDrainOrder(t *testing.T) {
	h := newHarness(t, nil)

	base := time.Now().Add(-time.Hour)
	// Enqueued out of order; created t1 < t2 < t3.
	h.enqueue(t, "t3", base.Add(3*time.Second))
	h.enqueue(t, "t1", base.Add(1*time.Second))
	h.enqueue(t, "t2", base.Add(2*time.Second))

	h.engine.SyncQueuedReports(context.Background())
	assert.Equal(t, []string{"t1", "t2", "t3"}, h.sub.Calls())
}

func TestConcurrentDrainIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.enqueue(t, "A", time.Now())
	h.sub.block = make(chan struct{})
	h.sub.entered = make(chan string, 1)

	first := make(chan DrainResult, 1)
	go func() { first <- h.engine.SyncQueuedReports(ctx) }()

	<-h.sub.entered
	assert.True(t, h.engine.Draining())

	second := h.engine.SyncQueuedReports(ctx)
	assert.False(t, second.Started)
	assert.Equal(t, ReasonAlreadyDraining, second.Reason)

	close(h.sub.block)
	res := <-first
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"A"}, h.sub.Calls())
	assert.False(t, h.engine.Draining())
}

func TestGuardReleasedAfterPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "A", time.Now())

	e, err := New(h.repo, panicSubmitter{}, h.conn, nil)
	require.NoError(t, err)

	drain := func() (panicked bool) {
		defer func() { panicked = recover() != nil }()
		e.SyncQueuedReports(context.Background())
		return false
	}

	require.True(t, drain())
	assert.False(t, e.Draining())
	// The guard was released: the next drain reaches the submitter again.
	assert.True(t, drain())
}

type panicSubmitter struct{}

func (panicSubmitter) Submit(context.Context, *schema.QueuedReport) error {
	panic("transport bug")
}

func TestSyncedReportIsNeverResubmitted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.enqueue(t, "A", time.Now())
	h.engine.SyncQueuedReports(ctx)
	require.Equal(t, []string{"A"}, h.sub.Calls())

	h.sub.reset()
	h.engine.SyncQueuedReports(ctx)
	assert.True(t, h.engine.ForceSyncReport(ctx, "A"))
	assert.Empty(t, h.sub.Calls())
}

func TestForceSyncReport(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.False(t, h.engine.ForceSyncReport(ctx, "missing"))

	h.enqueue(t, "A", time.Now())
	h.sub.setFailAll(true)
	h.conn.online.Store(false)

	// Not gated on connectivity; a failure still counts, even past the ceiling.
	for i := 0; i < 4; i++ {
		assert.False(t, h.engine.ForceSyncReport(ctx, "A"))
	}
	assert.Equal(t, 4, h.get(t, "A").SyncAttempts)
	assert.Len(t, h.sub.Calls(), 4)
}

// gatedQueue holds the next Get, once armed, until release is closed.
type gatedQueue struct {
	*queue.Repository
	armed   atomic.Bool
	entered chan string
	release chan struct{}
}

func newGatedQueue(repo *queue.Repository) *gatedQueue {
	return &gatedQueue{
		Repository: repo,
		entered:    make(chan string, 1),
		release:    make(chan struct{}),
	}
}

func (g *gatedQueue) Get(ctx context.Context, id string) (*schema.QueuedReport, error) {
	if g.armed.CompareAndSwap(true, false) {
		g.entered <- id
		<-g.release
	}
	return g.Repository.Get(ctx, id)
}

func TestForceSyncDuringDrainSubmitsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.enqueue(t, "A", time.Now())

	gq := newGatedQueue(h.repo)
	e, err := New(gq, h.sub, h.conn, nil)
	require.NoError(t, err)

	// Force sync reads the report and stalls before submitting.
	gq.armed.Store(true)
	forced := make(chan bool, 1)
	go func() { forced <- e.ForceSyncReport(ctx, "A") }()
	require.Equal(t, "A", <-gq.entered)

	// A drain meanwhile sees the claim and leaves the report alone.
	res := e.SyncQueuedReports(ctx)
	assert.True(t, res.Started)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Attempted)

	close(gq.release)
	assert.True(t, <-forced)

	e.SyncQueuedReports(ctx)
	assert.Equal(t, []string{"A"}, h.sub.Calls())
	assert.True(t, h.get(t, "A").Synced)
	assert.Zero(t, h.get(t, "A").SyncAttempts)
}

func TestForceSyncWhileDrainSubmitting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.enqueue(t, "A", time.Now())
	h.sub.block = make(chan struct{})
	h.sub.entered = make(chan string, 1)

	drained := make(chan DrainResult, 1)
	go func() { drained <- h.engine.SyncQueuedReports(ctx) }()
	require.Equal(t, "A", <-h.sub.entered)

	assert.False(t, h.engine.ForceSyncReport(ctx, "A"))

	close(h.sub.block)
	res := <-drained
	assert.Equal(t, 1, res.Succeeded)

	// Once the drain has released it, force sync sees the report as synced.
	assert.True(t, h.engine.ForceSyncReport(ctx, "A"))
	assert.Equal(t, []string{"A"}, h.sub.Calls())
}

func TestStoreNotReady(t *testing.T) {
	opener := db.NewOpener(filepath.Join(t.TempDir(), "fieldq.db"), nil)
	repo := queue.NewRepository(opener, nil, 3, nil)
	sub := newFakeSubmitter()

	e, err := New(repo, sub, nil, nil)
	require.NoError(t, err)

	res := e.SyncQueuedReports(context.Background())
	assert.False(t, res.Started)
	assert.Equal(t, ReasonStoreNotReady, res.Reason)
	assert.False(t, e.ForceSyncReport(context.Background(), "A"))
	assert.Empty(t, sub.Calls())
}

// unmarkableQueue loses every MarkSynced write.
type unmarkableQueue struct {
	*queue.Repository
}

func (unmarkableQueue) MarkSynced(context.Context, string) (bool, error) {
	return false, errors.New("disk I/O error")
}

func TestMarkSyncedFailureKeepsReportPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.enqueue(t, "A", time.Now())

	e, err := New(unmarkableQueue{h.repo}, h.sub, h.conn, nil)
	require.NoError(t, err)

	res := e.SyncQueuedReports(ctx)
	assert.Equal(t, 1, res.Failed)

	r := h.get(t, "A")
	assert.False(t, r.Synced)
	assert.Zero(t, r.SyncAttempts, "a submitted report must not burn an attempt")

	e.SyncQueuedReports(ctx)
	assert.Equal(t, []string{"A", "A"}, h.sub.Calls())
}

func TestBackoff(t *testing.T) {
	h := newHarness(t, &Config{Interval: time.Minute, Backoff: time.Hour})
	ctx := context.Background()

	h.enqueue(t, "A", time.Now())
	h.sub.setFailAll(true)

	h.engine.SyncQueuedReports(ctx)
	res := h.engine.SyncQueuedReports(ctx)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, h.sub.Calls(), 1)

	// Two hours later the first backoff window (1h) has passed.
	h.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res = h.engine.SyncQueuedReports(ctx)
	assert.Equal(t, 1, res.Attempted)

	// The second failure doubles the window to 2h.
	h.engine.now = func() time.Time { return time.Now().Add(90 * time.Minute) }
	res = h.engine.SyncQueuedReports(ctx)
	assert.Equal(t, 1, res.Skipped)
}

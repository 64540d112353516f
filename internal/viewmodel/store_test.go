package viewmodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldq/internal/store/schema"
)

func report(id string, created time.Time) *schema.QueuedReport {
	return &schema.QueuedReport{
		ID:        id,
		TaskID:    "t1",
		Severity:  schema.SeverityNormal,
		CreatedAt: created,
		ChecklistData: []schema.ChecklistItem{
			{ID: "c1", Label: "Oil", Checked: true},
		},
	}
}

func TestStore_StartsUnloadedAndOnline(t *testing.T) {
	s := New(nil)
	assert.False(t, s.Loaded())
	assert.True(t, s.IsOnline())
	assert.Zero(t, s.UnsyncedCount())
	assert.Empty(t, s.Reports())
}

func TestStore_HydrateOrdersReports(t *testing.T) {
	s := New(nil)
	base := time.Now()
	s.Hydrate(
		[]*schema.Task{{ID: "t1", Status: schema.TaskAssigned}},
		[]*schema.QueuedReport{report("late", base.Add(time.Minute)), report("early", base)},
	)

	require.True(t, s.Loaded())
	reports := s.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "early", reports[0].ID)
	assert.Equal(t, "late", reports[1].ID)
	assert.Equal(t, 2, s.UnsyncedCount())
	assert.Len(t, s.Tasks(), 1)
}

func TestStore_ReportLifecycle(t *testing.T) {
	s := New(nil)
	s.Hydrate(nil, nil)

	s.AddReport(report("r1", time.Now()))
	s.AddReport(report("r2", time.Now()))
	assert.Equal(t, 2, s.UnsyncedCount())

	at := time.Now()
	s.RecordAttempt("r1", 1, "timeout", at)
	r1 := s.Reports()[0]
	assert.Equal(t, 1, r1.SyncAttempts)
	assert.Equal(t, "timeout", r1.ErrorMessage)

	s.MarkReportSynced("r1", at)
	assert.Equal(t, 1, s.UnsyncedCount())
	r1 = s.Reports()[0]
	assert.True(t, r1.Synced)
	assert.Empty(t, r1.ErrorMessage)

	// Synced is terminal.
	s.RecordAttempt("r1", 2, "late", at)
	assert.Equal(t, 1, s.Reports()[0].SyncAttempts)

	s.RemoveSynced()
	reports := s.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "r2", reports[0].ID)
}

func TestStore_SnapshotIsIsolated(t *testing.T) {
	s := New(nil)
	in := report("r1", time.Now())
	s.AddReport(in)

	// Mutating the caller's value or a snapshot must not leak into the store.
	in.ChecklistData[0].Checked = false
	snap := s.Snapshot()
	snap.Reports[0].Notes = "tampered"

	got := s.Reports()[0]
	assert.True(t, got.ChecklistData[0].Checked)
	assert.Empty(t, got.Notes)
}

func TestStore_Tasks(t *testing.T) {
	s := New(nil)
	s.SetTasks([]*schema.Task{{ID: "t1", Status: schema.TaskAssigned}})

	assert.True(t, s.SetTaskStatus("t1", schema.TaskInProgress))
	assert.Equal(t, schema.TaskInProgress, s.Task("t1").Status)
	assert.False(t, s.SetTaskStatus("missing", schema.TaskCompleted))

	s.UpsertTask(&schema.Task{ID: "t2", Status: schema.TaskUrgent})
	s.UpsertTask(&schema.Task{ID: "t1", Status: schema.TaskCompleted, Description: "v2"})
	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "t2", tasks[0].ID)
	assert.Equal(t, "v2", s.Task("t1").Description)

	s.RemoveTask("t2")
	assert.Nil(t, s.Task("t2"))
}

func TestStore_Subscribe(t *testing.T) {
	s := New(nil)
	events, cancel := s.Subscribe(8)

	s.SetOnline(false)
	s.SetOnline(false) // no change, no event
	s.AddReport(report("r1", time.Now()))

	ev := <-events
	assert.Equal(t, EventOnline, ev.Type)
	assert.False(t, ev.Snapshot.Online)

	ev = <-events
	assert.Equal(t, EventQueue, ev.Type)
	assert.Equal(t, 1, ev.Snapshot.UnsyncedCount)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}

	cancel()
	_, ok := <-events
	assert.False(t, ok, "channel should be closed after cancel")
	cancel()
}

func TestStore_SlowSubscriberKeepsLatest(t *testing.T) {
	s := New(nil)
	events, cancel := s.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		s.SetOnline(i%2 == 1)
	}

	// Online flips: false, true, false, true, false → the last state wins.
	ev := <-events
	assert.False(t, ev.Snapshot.Online)
}

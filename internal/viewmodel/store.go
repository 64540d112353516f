// Package viewmodel holds the in-memory projection of task and queue state
// that the UI renders from.
//
// The Store is a read replica. The durable store is authoritative and the
// Store starts empty on every process start until Hydrate is called; callers
// must treat !Loaded() as "loading", not "empty". State only changes through
// the mutation methods below, and every change is published to subscribers.
package viewmodel

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldops/fieldq/internal/store/schema"
)

// EventType identifies which part of the state changed.
type EventType int

const (
	// EventHydrated fires once the store was loaded from the durable store.
	EventHydrated EventType = iota
	// EventTasks fires when the task list changed.
	EventTasks
	// EventQueue fires when the report queue changed.
	EventQueue
	// EventOnline fires when the connectivity flag changed.
	EventOnline
)

// String returns a human-readable representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventHydrated:
		return "hydrated"
	case EventTasks:
		return "tasks"
	case EventQueue:
		return "queue"
	case EventOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Event is published to subscribers after every mutation.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Snapshot  Snapshot
}

// Snapshot is a deep copy of the store state at one instant.
type Snapshot struct {
	Tasks         []*schema.Task         `json:"tasks"`
	Reports       []*schema.QueuedReport `json:"reports"`
	UnsyncedCount int                    `json:"unsyncedCount"`
	Online        bool                   `json:"online"`
	Loaded        bool                   `json:"loaded"`
}

// Store is the reactive state container.
type Store struct {
	mu      sync.RWMutex
	tasks   []*schema.Task
	reports []*schema.QueuedReport
	online  bool
	loaded  bool

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int

	logger logrus.FieldLogger
}

// New creates an empty Store. It reports online until told otherwise.
func New(logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "viewmodel")
	}
	return &Store{
		online: true,
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Tasks:   make([]*schema.Task, len(s.tasks)),
		Reports: make([]*schema.QueuedReport, len(s.reports)),
		Online:  s.online,
		Loaded:  s.loaded,
	}
	for i, t := range s.tasks {
		snap.Tasks[i] = t.Clone()
	}
	for i, r := range s.reports {
		snap.Reports[i] = r.Clone()
		if !r.Synced {
			snap.UnsyncedCount++
		}
	}
	return snap
}

// Tasks returns a copy of the task list.
func (s *Store) Tasks() []*schema.Task {
	return s.Snapshot().Tasks
}

// Task returns a copy of one task, or nil.
func (s *Store) Task(id string) *schema.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.taskIndex(id); i >= 0 {
		return s.tasks[i].Clone()
	}
	return nil
}

// Reports returns a copy of the queue, oldest first.
func (s *Store) Reports() []*schema.QueuedReport {
	return s.Snapshot().Reports
}

// UnsyncedCount is the number of reports not yet acknowledged by the server.
func (s *Store) UnsyncedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.reports {
		if !r.Synced {
			n++
		}
	}
	return n
}

// IsOnline returns the last published connectivity state.
func (s *Store) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Loaded reports whether Hydrate has run.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Hydrate replaces the whole state with rows read from the durable store.
func (s *Store) Hydrate(tasks []*schema.Task, reports []*schema.QueuedReport) {
	s.mutate(EventHydrated, func() bool {
		s.tasks = cloneTasks(tasks)
		s.reports = cloneReports(reports)
		sortReports(s.reports)
		s.loaded = true
		return true
	})
}

// SetTasks replaces the task list.
func (s *Store) SetTasks(tasks []*schema.Task) {
	s.mutate(EventTasks, func() bool {
		s.tasks = cloneTasks(tasks)
		return true
	})
}

// UpsertTask inserts or replaces a task by id.
func (s *Store) UpsertTask(task *schema.Task) {
	s.mutate(EventTasks, func() bool {
		if i := s.taskIndex(task.ID); i >= 0 {
			s.tasks[i] = task.Clone()
		} else {
			s.tasks = append([]*schema.Task{task.Clone()}, s.tasks...)
		}
		return true
	})
}

// SetTaskStatus changes the status of a task. Returns false if the task is unknown.
func (s *Store) SetTaskStatus(id string, status schema.TaskStatus) bool {
	found := false
	s.mutate(EventTasks, func() bool {
		i := s.taskIndex(id)
		if i < 0 {
			return false
		}
		found = true
		if s.tasks[i].Status == status {
			return false
		}
		t := s.tasks[i].Clone()
		t.Status = status
		s.tasks[i] = t
		return true
	})
	return found
}

// RemoveTask drops a task. Unknown ids are ignored.
func (s *Store) RemoveTask(id string) {
	s.mutate(EventTasks, func() bool {
		i := s.taskIndex(id)
		if i < 0 {
			return false
		}
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		return true
	})
}

// AddReport appends a newly enqueued report.
func (s *Store) AddReport(r *schema.QueuedReport) {
	s.mutate(EventQueue, func() bool {
		if s.reportIndex(r.ID) >= 0 {
			s.logger.Warnf("report %s already mirrored, ignoring add", r.ID)
			return false
		}
		s.reports = append(s.reports, r.Clone())
		sortReports(s.reports)
		return true
	})
}

// MarkReportSynced mirrors a successful submission.
func (s *Store) MarkReportSynced(id string, at time.Time) {
	s.mutate(EventQueue, func() bool {
		i := s.reportIndex(id)
		if i < 0 || s.reports[i].Synced {
			return false
		}
		r := s.reports[i].Clone()
		r.Synced = true
		r.ErrorMessage = ""
		r.LastSyncAttempt = &at
		s.reports[i] = r
		return true
	})
}

// RecordAttempt mirrors a failed submission.
func (s *Store) RecordAttempt(id string, attempts int, message string, at time.Time) {
	s.mutate(EventQueue, func() bool {
		i := s.reportIndex(id)
		if i < 0 || s.reports[i].Synced {
			return false
		}
		r := s.reports[i].Clone()
		r.SyncAttempts = attempts
		r.ErrorMessage = message
		r.LastSyncAttempt = &at
		s.reports[i] = r
		return true
	})
}

// RemoveSynced drops every synced report.
func (s *Store) RemoveSynced() {
	s.mutate(EventQueue, func() bool {
		kept := s.reports[:0]
		for _, r := range s.reports {
			if !r.Synced {
				kept = append(kept, r)
			}
		}
		changed := len(kept) != len(s.reports)
		s.reports = kept
		return changed
	})
}

// SetOnline records the connectivity state.
func (s *Store) SetOnline(online bool) {
	s.mutate(EventOnline, func() bool {
		if s.online == online {
			return false
		}
		s.online = online
		return true
	})
}

// mutate applies fn under the write lock and publishes an event if fn
// reports a change.
func (s *Store) mutate(typ EventType, fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Publishing under the lock keeps events in mutation order; publish never blocks.
	if fn() {
		s.publish(Event{Type: typ, Timestamp: time.Now(), Snapshot: s.snapshotLocked()})
	}
}

func (s *Store) taskIndex(id string) int {
	for i, t := range s.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) reportIndex(id string) int {
	for i, r := range s.reports {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func cloneTasks(in []*schema.Task) []*schema.Task {
	out := make([]*schema.Task, 0, len(in))
	for _, t := range in {
		out = append(out, t.Clone())
	}
	return out
}

func cloneReports(in []*schema.QueuedReport) []*schema.QueuedReport {
	out := make([]*schema.QueuedReport, 0, len(in))
	for _, r := range in {
		out = append(out, r.Clone())
	}
	return out
}

func sortReports(reports []*schema.QueuedReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].CreatedAt.Before(reports[j].CreatedAt)
	})
}

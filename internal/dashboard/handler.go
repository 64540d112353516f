package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
	"github.com/fieldops/fieldq/internal/viewmodel"
)

// ReportData is one queue row as shown on the dashboard
type ReportData struct {
	ID           string              `json:"id"`
	TaskID       string              `json:"task_id"`
	Severity     schema.Severity     `json:"severity"`
	Status       schema.ReportStatus `json:"status"`
	SyncAttempts int                 `json:"sync_attempts"`
	Error        string              `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// QueueUpdateData contains the queue after a change
type QueueUpdateData struct {
	Reports       []ReportData `json:"reports"`
	UnsyncedCount int          `json:"unsynced_count"`
}

// TaskData is one task as shown on the dashboard
type TaskData struct {
	ID             string            `json:"id"`
	SubstationName string            `json:"substation_name"`
	Status         schema.TaskStatus `json:"status"`
	Priority       schema.Priority   `json:"priority,omitempty"`
	HasLocation    bool              `json:"has_location"`
}

// ConnectivityData contains the connectivity flag
type ConnectivityData struct {
	Online bool `json:"online"`
}

// StatsData contains queue statistics
type StatsData struct {
	Total    int  `json:"total"`
	Synced   int  `json:"synced"`
	Pending  int  `json:"pending"`
	Failed   int  `json:"failed"`
	Unsynced int  `json:"unsynced"`
	Online   bool `json:"online"`
}

// SnapshotData is the full state sent on connect
type SnapshotData struct {
	Queue  QueueUpdateData `json:"queue"`
	Tasks  []TaskData      `json:"tasks"`
	Stats  StatsData       `json:"stats"`
	Loaded bool            `json:"loaded"`
}

// StatsFunc returns the durable queue statistics.
type StatsFunc func(ctx context.Context) (db.QueueStats, error)

// Handler turns view model events into dashboard messages.
type Handler struct {
	server  *Server
	view    *viewmodel.Store
	stats   StatsFunc
	ceiling int
	logger  logrus.FieldLogger
}

// NewHandler creates a Handler and installs its snapshot as the server's
// welcome message. stats may be nil.
func NewHandler(server *Server, view *viewmodel.Store, stats StatsFunc, ceiling int, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "dashboard")
	}
	h := &Handler{
		server:  server,
		view:    view,
		stats:   stats,
		ceiling: ceiling,
		logger:  logger,
	}
	server.SetWelcome(func() *Message {
		return h.message(MessageTypeSnapshot, h.snapshotData(context.Background(), view.Snapshot()))
	})
	return h
}

// Run forwards view model events until ctx is done.
func (h *Handler) Run(ctx context.Context) error {
	events, cancel := h.view.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.OnEvent(ctx, ev)
		}
	}
}

// OnEvent broadcasts the messages for one view model event.
func (h *Handler) OnEvent(ctx context.Context, ev viewmodel.Event) {
	snap := ev.Snapshot

	switch ev.Type {
	case viewmodel.EventHydrated:
		h.broadcast(MessageTypeSnapshot, ev.Timestamp, h.snapshotData(ctx, snap))
		return
	case viewmodel.EventQueue:
		h.broadcast(MessageTypeQueueUpdate, ev.Timestamp, h.queueData(snap))
	case viewmodel.EventTasks:
		h.broadcast(MessageTypeTaskUpdate, ev.Timestamp, taskData(snap.Tasks))
		return
	case viewmodel.EventOnline:
		h.broadcast(MessageTypeConnectivity, ev.Timestamp, ConnectivityData{Online: snap.Online})
	}

	h.broadcast(MessageTypeStats, ev.Timestamp, h.statsData(ctx, snap))
}

func (h *Handler) broadcast(typ MessageType, at time.Time, data any) {
	msg := h.message(typ, data)
	if msg == nil {
		return
	}
	msg.Timestamp = at
	h.server.Broadcast(*msg)
}

func (h *Handler) message(typ MessageType, data any) *Message {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.WithError(err).Errorf("failed to marshal %s data", typ)
		return nil
	}
	return &Message{Type: typ, Timestamp: time.Now(), Data: raw}
}

func (h *Handler) snapshotData(ctx context.Context, snap viewmodel.Snapshot) SnapshotData {
	return SnapshotData{
		Queue:  h.queueData(snap),
		Tasks:  taskData(snap.Tasks),
		Stats:  h.statsData(ctx, snap),
		Loaded: snap.Loaded,
	}
}

func (h *Handler) queueData(snap viewmodel.Snapshot) QueueUpdateData {
	reports := make([]ReportData, 0, len(snap.Reports))
	for _, r := range snap.Reports {
		reports = append(reports, ReportData{
			ID:           r.ID,
			TaskID:       r.TaskID,
			Severity:     r.Severity,
			Status:       r.Status(h.ceiling),
			SyncAttempts: r.SyncAttempts,
			Error:        r.ErrorMessage,
			CreatedAt:    r.CreatedAt,
		})
	}
	return QueueUpdateData{Reports: reports, UnsyncedCount: snap.UnsyncedCount}
}

func taskData(tasks []*schema.Task) []TaskData {
	out := make([]TaskData, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskData{
			ID:             t.ID,
			SubstationName: t.SubstationName,
			Status:         t.Status,
			Priority:       t.Priority,
			HasLocation:    t.HasValidLocation(),
		})
	}
	return out
}

// statsData prefers the durable counts and falls back to counting the
// view model when the store cannot answer.
func (h *Handler) statsData(ctx context.Context, snap viewmodel.Snapshot) StatsData {
	out := StatsData{Unsynced: snap.UnsyncedCount, Online: snap.Online}

	if h.stats != nil {
		if s, err := h.stats(ctx); err == nil {
			out.Total, out.Synced, out.Pending, out.Failed = s.Total, s.Synced, s.Pending, s.Failed
			return out
		}
	}

	out.Total = len(snap.Reports)
	for _, r := range snap.Reports {
		switch r.Status(h.ceiling) {
		case schema.ReportSynced:
			out.Synced++
		case schema.ReportFailed:
			out.Failed++
		default:
			out.Pending++
		}
	}
	return out
}

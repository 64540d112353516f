package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
)

func TestStatusBadge(t *testing.T) {
	for _, status := range []schema.ReportStatus{
		schema.ReportPending, schema.ReportRetrying, schema.ReportFailed, schema.ReportSynced,
	} {
		if got := StatusBadge(status); !strings.Contains(got, string(status)) {
			t.Errorf("StatusBadge(%s) = %q, missing label", status, got)
		}
	}
}

func TestRenderQueue(t *testing.T) {
	if got := RenderQueue(nil, 3); !strings.Contains(got, "empty") {
		t.Errorf("RenderQueue(nil) = %q", got)
	}

	reports := []*schema.QueuedReport{
		{ID: "r1", TaskID: "t1", Severity: schema.SeverityCritical, CreatedAt: time.Now()},
		{ID: "r2", TaskID: "t2", Severity: schema.SeverityNormal, SyncAttempts: 3, ErrorMessage: "HTTP 503"},
	}
	got := RenderQueue(reports, 3)
	for _, want := range []string{"r1", "r2", "pending", "failed", "last error: HTTP 503"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderQueue() missing %q:\n%s", want, got)
		}
	}
}

func TestRenderStats(t *testing.T) {
	got := RenderStats(db.QueueStats{Total: 4, Synced: 1, Pending: 2, Failed: 1}, false)
	for _, want := range []string{"offline", "total 4", "synced 1", "pending 2", "failed 1"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderStats() missing %q: %s", want, got)
		}
	}
}

func TestRenderTasks(t *testing.T) {
	tasks := []*schema.Task{
		{ID: "t1", SubstationName: "North", Status: schema.TaskUrgent, Lat: 1.5, Lng: 2.5},
		{ID: "t2", SubstationName: "South", Status: schema.TaskAssigned},
	}
	got := RenderTasks(tasks)
	for _, want := range []string{"North", "South", "urgent", "1.50000,2.50000", "no location"} {
		if !strings.Contains(got, want) {
			t.Errorf("RenderTasks() missing %q:\n%s", want, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 12); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("a-very-long-task-id", 8); got != "a-very-…" {
		t.Errorf("truncate() = %q", got)
	}
}

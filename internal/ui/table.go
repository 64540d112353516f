package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
)

// RenderQueue renders the report queue as a table, oldest first.
func RenderQueue(reports []*schema.QueuedReport, ceiling int) string {
	if len(reports) == 0 {
		return RenderMuted("queue is empty") + "\n"
	}

	var b strings.Builder
	header := fmt.Sprintf("%-36s  %-12s  %-10s  %-8s  %s", "REPORT", "TASK", "SEVERITY", "ATTEMPTS", "STATUS")
	b.WriteString(RenderBold(header))
	b.WriteString("\n")

	for _, r := range reports {
		fmt.Fprintf(&b, "%-36s  %-12s  %s  %-8d  %s\n",
			r.ID,
			truncate(r.TaskID, 12),
			pad(SeverityLabel(r.Severity), string(r.Severity), 10),
			r.SyncAttempts,
			StatusBadge(r.Status(ceiling)),
		)
		if r.ErrorMessage != "" && !r.Synced {
			b.WriteString("    ")
			b.WriteString(RenderMuted("last error: " + r.ErrorMessage))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RenderStats renders queue statistics on one line.
func RenderStats(s db.QueueStats, online bool) string {
	return fmt.Sprintf("%s  total %d  %s  %s  %s",
		OnlineLabel(online),
		s.Total,
		RenderPass(fmt.Sprintf("synced %d", s.Synced)),
		RenderAccent(fmt.Sprintf("pending %d", s.Pending)),
		RenderFail(fmt.Sprintf("failed %d", s.Failed)),
	)
}

// RenderTasks renders the cached task list.
func RenderTasks(tasks []*schema.Task) string {
	if len(tasks) == 0 {
		return RenderMuted("no tasks cached") + "\n"
	}

	var b strings.Builder
	for _, t := range tasks {
		loc := RenderMuted("no location")
		if t.HasValidLocation() {
			loc = fmt.Sprintf("%.5f,%.5f", t.Lat, t.Lng)
		}
		title := lipgloss.JoinHorizontal(lipgloss.Top,
			RenderBold(t.ID), "  ", t.SubstationName)
		fmt.Fprintf(&b, "%s\n    %s  %s  %s  assigned %s\n",
			title,
			taskStatus(t.Status),
			string(t.Priority),
			loc,
			t.AssignedAt.Local().Format(time.DateTime),
		)
	}
	return b.String()
}

func taskStatus(s schema.TaskStatus) string {
	switch s {
	case schema.TaskCompleted:
		return RenderPass(string(s))
	case schema.TaskUrgent:
		return RenderFail(string(s))
	case schema.TaskInProgress:
		return RenderAccent(string(s))
	default:
		return string(s)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// pad right-pads a styled string using the width of its plain text.
func pad(styled, plain string, width int) string {
	if len(plain) >= width {
		return styled
	}
	return styled + strings.Repeat(" ", width-len(plain))
}

// Package ui renders terminal output for the fieldq CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/fieldops/fieldq/internal/store/schema"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#EF6C00", Dark: "#FFB74D"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"})
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9E9E9E"})
	boldStyle   = lipgloss.NewStyle().Bold(true)

	badgeBase = lipgloss.NewStyle().Padding(0, 1).Bold(true)
)

// RenderPass renders success text.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warning text.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders error text.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders highlighted text.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold renders bold text.
func RenderBold(s string) string { return boldStyle.Render(s) }

// StatusBadge renders the sync state of a report.
func StatusBadge(status schema.ReportStatus) string {
	label := string(status)
	switch status {
	case schema.ReportSynced:
		return badgeBase.Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#2E7D32")).Render(label)
	case schema.ReportRetrying:
		return badgeBase.Foreground(lipgloss.Color("#000000")).Background(lipgloss.Color("#FFB74D")).Render(label)
	case schema.ReportFailed:
		return badgeBase.Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#C62828")).Render(label)
	default:
		return badgeBase.Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#1565C0")).Render(label)
	}
}

// SeverityLabel renders a report severity.
func SeverityLabel(s schema.Severity) string {
	switch s {
	case schema.SeverityCritical:
		return failStyle.Bold(true).Render(string(s))
	case schema.SeverityWarning:
		return warnStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}

// OnlineLabel renders the connectivity state.
func OnlineLabel(online bool) string {
	if online {
		return RenderPass("● online")
	}
	return RenderFail("● offline")
}

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the stdout width, or fallback when unknown.
func TerminalWidth(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldq/internal/app"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the real-time WebSocket dashboard",
	Long: `Start a WebSocket dashboard that streams queue and task changes.

The sync engine and connectivity monitor run alongside it, so the dashboard
reflects reports as they sync.

WebSocket messages include:
- snapshot: full state, sent once on connect
- queue_update: reports added, synced or failed
- task_update: task list changed
- connectivity: online/offline transition
- stats: queue counts (total, synced, pending, failed)

Example usage:
  fieldq dashboard                   # Start on the configured port (default 8080)
  fieldq dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}
		port := cfg.Dashboard.Port

		a := newApp()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Dashboard server starting on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := a.Run(ctx, app.RunOptions{Dashboard: true}); err != nil {
			fail(a, "Error: %v\n", err)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	rootCmd.AddCommand(dashboardCmd)
}

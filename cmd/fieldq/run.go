package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldq/internal/app"
	"github.com/fieldops/fieldq/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the background sync engine",
	Long: `Run the sync engine until interrupted.

The queue is drained every sync.interval while online and immediately
whenever connectivity returns. Task assignments pushed by the server over
WebSocket are cached as they arrive. Editing sync.interval in the config
file takes effect without a restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		withPush, _ := cmd.Flags().GetBool("push")
		if cmd.Flags().Changed("interval") {
			cfg.Sync.Interval, _ = cmd.Flags().GetDuration("interval")
		}

		a := newApp()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("%s Syncing %s every %s\n", ui.RenderAccent("🔄"), cfg.DB.Path, cfg.Sync.Interval)
		if withDashboard {
			fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
		}
		fmt.Println("   Press Ctrl+C to stop...")

		err := a.Run(ctx, app.RunOptions{
			Dashboard: withDashboard,
			Push:      withPush,
			Loader:    loader,
		})
		if err != nil {
			fail(a, "Error: %v\n", err)
		}
		fmt.Printf("\n%s Stopped (%d report(s) still queued)\n", ui.RenderPass("✓"), a.UnsyncedCount())
	},
}

func init() {
	runCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard")
	runCmd.Flags().Bool("push", true, "Receive task events from the server")
	runCmd.Flags().Duration("interval", 0, "Override sync.interval")

	rootCmd.AddCommand(runCmd)
}

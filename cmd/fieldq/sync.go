package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldq/internal/app"
	"github.com/fieldops/fieldq/internal/syncengine"
	"github.com/fieldops/fieldq/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Submit queued reports to the server now",
	Long: `Drain the queue once, oldest report first.

Reports that already failed three times are skipped; retry them one at a
time with 'fieldq sync force <id>'.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		res := a.ManualSyncAll(ctx)
		printDrain(res)

		stats, err := a.Stats(ctx)
		if err == nil {
			fmt.Printf("   Pending: %d  Failed: %d\n", stats.Pending, stats.Failed)
		}
	},
}

var syncForceCmd = &cobra.Command{
	Use:   "force <report-id>",
	Short: "Retry one report regardless of previous failures",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		id := args[0]
		if !a.ForceSyncReport(ctx, id) {
			msg := "not synced"
			if r := findReport(a, id); r == nil {
				msg = "no such report"
			} else if r.ErrorMessage != "" {
				msg = r.ErrorMessage
			}
			fail(a, "%s Report %s: %s\n", ui.RenderFail("✗"), id, msg)
		}
		fmt.Printf("%s Report %s synced\n", ui.RenderPass("✓"), id)
	},
}

func printDrain(res syncengine.DrainResult) {
	if !res.Started {
		switch res.Reason {
		case app.ReasonThrottled:
			fmt.Printf("%s Sync requested too recently, try again shortly\n", ui.RenderWarn("⚠"))
		case syncengine.ReasonOffline:
			fmt.Printf("%s Offline, reports stay queued\n", ui.RenderWarn("⚠"))
		default:
			fmt.Printf("%s Sync skipped: %s\n", ui.RenderWarn("⚠"), res.Reason)
		}
		return
	}

	mark := ui.RenderPass("✓")
	if res.Failed > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync complete: %d synced, %d failed, %d skipped\n",
		mark, res.Succeeded, res.Failed, res.Skipped)
}

func init() {
	syncCmd.AddCommand(syncForceCmd)
	rootCmd.AddCommand(syncCmd)
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldq/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect the offline report queue",
	Long: `List queued reports with their sync status.

Status badges:
  pending   never attempted
  retrying  failed at least once, retried automatically
  failed    reached the attempt ceiling, use 'fieldq sync force <id>'
  synced    acknowledged by the server`,
	Run: func(cmd *cobra.Command, args []string) {
		unsynced, _ := cmd.Flags().GetBool("unsynced")

		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		reports, err := a.LoadQueue(ctx)
		if err != nil {
			fail(a, "Error loading queue: %v\n", err)
		}
		if unsynced {
			kept := reports[:0]
			for _, r := range reports {
				if !r.Synced {
					kept = append(kept, r)
				}
			}
			reports = kept
		}

		if len(reports) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}
		fmt.Print(ui.RenderQueue(reports, a.Config().Sync.Ceiling))
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		stats, err := a.Stats(ctx)
		if err != nil {
			fail(a, "Error reading stats: %v\n", err)
		}
		fmt.Print(ui.RenderStats(stats, a.IsOnline()))
		if stats.Failed > 0 {
			fmt.Printf("\n%s %d report(s) need a manual retry: fieldq sync force <id>\n",
				ui.RenderWarn("⚠"), stats.Failed)
		}
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete reports the server has acknowledged",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		n, err := a.PurgeSynced(ctx)
		if err != nil {
			fail(a, "Error purging queue: %v\n", err)
		}
		fmt.Printf("%s Purged %d synced report(s)\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	queueCmd.Flags().BoolP("unsynced", "u", false, "Only show reports not yet synced")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}

package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldq/internal/app"
	"github.com/fieldops/fieldq/internal/store/db"
	"github.com/fieldops/fieldq/internal/store/schema"
	"github.com/fieldops/fieldq/internal/ui"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	GroupID: "queue",
	Short:   "List cached inspection tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		tasks, err := a.Tasks(ctx)
		if err != nil {
			fail(a, "Error loading tasks: %v\n", err)
		}
		if len(tasks) == 0 {
			fmt.Printf("No cached tasks. Run 'fieldq tasks refresh' while online.\n")
			return
		}
		fmt.Print(ui.RenderTasks(tasks))
	},
}

var tasksRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch assigned tasks from the server",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		tasks, err := a.RefreshTasks(ctx)
		if err != nil {
			fail(a, "Error refreshing tasks: %v\n", err)
		}
		fmt.Printf("%s %d task(s) cached\n", ui.RenderPass("✓"), len(tasks))
	},
}

var tasksOpenCmd = &cobra.Command{
	Use:   "open <task-id>",
	Short: "Start work on a task",
	Long:  `Mark an assigned task in progress and show its checklist.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		task, err := a.OpenTask(ctx, args[0])
		if errors.Is(err, db.ErrNotFound) {
			fail(a, "Error: task %s is not cached\n", args[0])
		}
		if err != nil {
			fail(a, "Error opening task: %v\n", err)
		}
		printTask(task)
	},
}

func printTask(t *schema.Task) {
	fmt.Printf("\n%s %s\n", ui.RenderAccent(t.ID), ui.RenderBold(t.SubstationName))
	fmt.Printf("   Status:   %s\n", t.Status)
	fmt.Printf("   Priority: %s\n", t.Priority)
	if t.HasValidLocation() {
		fmt.Printf("   Location: %.5f, %.5f\n", t.Lat, t.Lng)
	} else {
		fmt.Printf("   Location: %s\n", ui.RenderMuted("unknown"))
	}
	if t.Description != "" {
		fmt.Printf("   %s\n", t.Description)
	}
	if len(t.Checklist) > 0 {
		fmt.Printf("\n   Checklist:\n")
		for _, item := range t.Checklist {
			box := "[ ]"
			if item.Checked {
				box = "[x]"
			}
			req := ""
			if item.Required {
				req = ui.RenderWarn(" *")
			}
			fmt.Printf("   %s %s%s %s\n", box, item.Label, req, ui.RenderMuted("("+item.ID+")"))
		}
	}
	fmt.Println()
}

// findReport looks a report up in the hydrated view model.
func findReport(a *app.App, id string) *schema.QueuedReport {
	for _, r := range a.View().Reports() {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func init() {
	tasksCmd.AddCommand(tasksRefreshCmd)
	tasksCmd.AddCommand(tasksOpenCmd)
	rootCmd.AddCommand(tasksCmd)
}

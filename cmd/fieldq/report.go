package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldq/internal/api"
	"github.com/fieldops/fieldq/internal/queue"
	"github.com/fieldops/fieldq/internal/store/schema"
	"github.com/fieldops/fieldq/internal/ui"
)

var reportCmd = &cobra.Command{
	Use:     "report",
	GroupID: "queue",
	Short:   "Create inspection reports",
}

var reportNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Queue a new inspection report",
	Long: `Queue a new inspection report for a cached task.

The report is stored locally and synced in the background. Every required
checklist item must be checked.

On a terminal without --task an interactive form is shown. Otherwise the
report is built from flags:

  fieldq report new --task T-100 --severity warning \
    --notes "Oil leak on transformer 2" \
    --check breaker --check fence --photo /sdcard/DCIM/leak.jpg`,
	Run: func(cmd *cobra.Command, args []string) {
		opts := reportOptions{}
		opts.TaskID, _ = cmd.Flags().GetString("task")
		opts.Notes, _ = cmd.Flags().GetString("notes")
		severity, _ := cmd.Flags().GetString("severity")
		opts.Severity = schema.Severity(severity)
		opts.Photos, _ = cmd.Flags().GetStringSlice("photo")
		opts.Videos, _ = cmd.Flags().GetStringSlice("video")
		opts.Checked, _ = cmd.Flags().GetStringSlice("check")

		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		tasks, err := a.Tasks(ctx)
		if err != nil {
			fail(a, "Error loading tasks: %v\n", err)
		}

		if opts.TaskID == "" {
			if !ui.IsTerminal() {
				fail(a, "Error: --task is required when not running in a terminal\n")
			}
			if err := runReportForm(tasks, &opts); err != nil {
				fail(a, "Error: %v\n", err)
			}
		}

		task := findTask(tasks, opts.TaskID)
		report, err := buildReport(task, opts)
		if err != nil {
			fail(a, "Error: %v\n", err)
		}

		stored, err := a.EnqueueReport(ctx, report)
		if err != nil {
			if errors.Is(err, queue.ErrIncompleteChecklist) {
				fail(a, "Error: %v\nCheck every required item with --check <item-id>\n", err)
			}
			fail(a, "Error queueing report: %v\n", err)
		}

		fmt.Printf("%s Queued report %s for task %s\n", ui.RenderPass("✓"), stored.ID, stored.TaskID)
		fmt.Printf("   Status: %s\n", ui.StatusBadge(stored.Status(a.Config().Sync.Ceiling)))
		fmt.Printf("   It will sync the next time fieldq run is online, or now with 'fieldq sync'\n")
	},
}

// reportOptions holds the user's answers, from flags or the form.
type reportOptions struct {
	TaskID   string
	Notes    string
	Severity schema.Severity
	Photos   []string
	Videos   []string
	Checked  []string
}

// buildReport turns options into a report. When the task is cached its
// checklist is snapshotted and the items in opts.Checked are ticked.
func buildReport(task *schema.Task, opts reportOptions) (*schema.QueuedReport, error) {
	if opts.TaskID == "" {
		return nil, errors.New("task id is required")
	}
	if opts.Severity == "" {
		opts.Severity = schema.SeverityNormal
	}
	if !opts.Severity.Valid() {
		return nil, errors.Errorf("invalid severity %q (want normal, warning or critical)", opts.Severity)
	}
	if len(opts.Photos) > api.MaxPhotos {
		return nil, errors.Errorf("at most %d photos per report (got %d)", api.MaxPhotos, len(opts.Photos))
	}
	if len(opts.Videos) > api.MaxVideos {
		return nil, errors.Errorf("at most %d videos per report (got %d)", api.MaxVideos, len(opts.Videos))
	}

	var checklist []schema.ChecklistItem
	if task != nil {
		checklist = schema.CloneChecklist(task.Checklist)
	}
	for _, id := range opts.Checked {
		found := false
		for i := range checklist {
			if checklist[i].ID == id {
				checklist[i].Checked = true
				found = true
			}
		}
		if !found {
			return nil, errors.Errorf("unknown checklist item %q", id)
		}
	}

	return &schema.QueuedReport{
		ID:            queue.NewReportID(),
		TaskID:        opts.TaskID,
		Notes:         strings.TrimSpace(opts.Notes),
		Severity:      opts.Severity,
		Photos:        opts.Photos,
		Videos:        opts.Videos,
		ChecklistData: checklist,
	}, nil
}

func findTask(tasks []*schema.Task, id string) *schema.Task {
	for _, t := range tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// runReportForm asks for the task first, then its checklist and the rest.
func runReportForm(tasks []*schema.Task, opts *reportOptions) error {
	if len(tasks) == 0 {
		return errors.New("no cached tasks, run 'fieldq tasks refresh' first")
	}

	taskOptions := make([]huh.Option[string], 0, len(tasks))
	for _, t := range tasks {
		if t.Status == schema.TaskCompleted {
			continue
		}
		taskOptions = append(taskOptions, huh.NewOption(fmt.Sprintf("%s  %s", t.ID, t.SubstationName), t.ID))
	}
	if len(taskOptions) == 0 {
		return errors.New("every cached task is already completed")
	}

	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Task").
			Options(taskOptions...).
			Value(&opts.TaskID),
	)).Run()
	if err != nil {
		return errors.Wrap(err, "form cancelled")
	}

	task := findTask(tasks, opts.TaskID)
	severity := string(schema.SeverityNormal)
	var photos, videos string

	var fields []huh.Field
	if task != nil && len(task.Checklist) > 0 {
		items := make([]huh.Option[string], 0, len(task.Checklist))
		for _, item := range task.Checklist {
			label := item.Label
			if item.Required {
				label += " (required)"
			}
			items = append(items, huh.NewOption(label, item.ID).Selected(item.Checked))
		}
		fields = append(fields, huh.NewMultiSelect[string]().
			Title("Checklist").
			Options(items...).
			Value(&opts.Checked).
			Validate(func(checked []string) error {
				return requiredChecked(task.Checklist, checked)
			}))
	}
	fields = append(fields,
		huh.NewSelect[string]().
			Title("Severity").
			Options(
				huh.NewOption("Normal", string(schema.SeverityNormal)),
				huh.NewOption("Warning", string(schema.SeverityWarning)),
				huh.NewOption("Critical", string(schema.SeverityCritical)),
			).
			Value(&severity),
		huh.NewText().
			Title("Notes").
			Value(&opts.Notes),
		huh.NewInput().
			Title("Photos").
			Description("Comma separated file paths").
			Value(&photos),
		huh.NewInput().
			Title("Videos").
			Description("Comma separated file paths").
			Value(&videos),
	)

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return errors.Wrap(err, "form cancelled")
	}

	opts.Severity = schema.Severity(severity)
	opts.Photos = splitPaths(photos)
	opts.Videos = splitPaths(videos)
	return nil
}

// requiredChecked reports the first required item missing from checked.
func requiredChecked(items []schema.ChecklistItem, checked []string) error {
	set := make(map[string]bool, len(checked))
	for _, id := range checked {
		set[id] = true
	}
	for _, item := range items {
		if item.Required && !set[item.ID] {
			return errors.Errorf("%q is required", item.Label)
		}
	}
	return nil
}

func splitPaths(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	reportNewCmd.Flags().StringP("task", "t", "", "Task id the report belongs to")
	reportNewCmd.Flags().StringP("notes", "n", "", "Inspection notes")
	reportNewCmd.Flags().StringP("severity", "s", string(schema.SeverityNormal), "Severity (normal, warning, critical)")
	reportNewCmd.Flags().StringSlice("photo", nil, "Photo file path (repeatable)")
	reportNewCmd.Flags().StringSlice("video", nil, "Video file path (repeatable)")
	reportNewCmd.Flags().StringSlice("check", nil, "Checklist item id to mark checked (repeatable)")

	reportCmd.AddCommand(reportNewCmd)
	rootCmd.AddCommand(reportCmd)
}

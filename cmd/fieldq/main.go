// Command fieldq manages the offline inspection report queue and syncs it
// with the field server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldq/internal/app"
	"github.com/fieldops/fieldq/internal/config"
	"github.com/fieldops/fieldq/internal/logging"
)

var (
	// exit is swapped in tests
	exit = os.Exit

	configFile string
	logLevel   string

	loader    *config.Loader
	cfg       *config.Config
	logger    *logrus.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "fieldq",
	Short: "Offline report queue and sync engine for field inspections",
	Long: `fieldq keeps inspection reports in a local queue until the field server
has acknowledged them.

Reports are written to a local SQLite database first and synced in the
background whenever the device is online. Reports that fail three times
are marked failed and wait for a manual retry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./fieldq.yaml or $FIELDQ_HOME/fieldq.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Reports and tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by every command.
func setup() error {
	var err error
	loader, err = config.NewLoader(configFile, nil)
	if err != nil {
		return err
	}
	cfg, err = loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, logCloser, err = logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return err
}

// newApp builds the application without opening the store.
func newApp() *app.App {
	a, err := app.New(app.Options{Config: cfg, Logger: logger})
	if err != nil {
		fail(nil, "Error: %v\n", err)
	}
	return a
}

// openApp builds the application and opens the store. Store failures are
// fatal.
func openApp(ctx context.Context) *app.App {
	a := newApp()
	if err := a.Open(ctx); err != nil {
		fail(a, "Error opening queue at %s: %v\n", cfg.DB.Path, err)
	}
	return a
}

// fail prints the message to stderr, releases c and the log file, and exits
// with status 1. Deferred calls do not run on exit, so commands holding the
// store pass it here.
func fail(c io.Closer, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	if c != nil {
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing queue: %v\n", err)
		}
	}
	if logCloser != nil {
		_ = logCloser.Close()
	}
	exit(1)
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/fieldops/fieldq/internal/config"
	"github.com/fieldops/fieldq/internal/dashboard"
	"github.com/fieldops/fieldq/internal/logging"
	"github.com/fieldops/fieldq/internal/push"
)

// RunOptions selects the optional services started by Run.
type RunOptions struct {
	// Dashboard serves the local WebSocket dashboard on dashboard.port.
	Dashboard bool
	// Push keeps a WebSocket open to api.ws_url for task events.
	Push bool
	// Loader, when set, hot-reloads sync.interval from the config file.
	Loader *config.Loader
}

// Run opens the store and runs the monitor, sync engine and the selected
// services until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	var pushClient *push.Client
	if opts.Push {
		pushConfig := push.DefaultConfig()
		pushConfig.URL = a.cfg.API.WSURL
		pushConfig.Token = a.cfg.API.Token
		pushConfig.Logger = logging.Component(a.logger, "push")
		var err error
		if pushClient, err = push.New(a, pushConfig); err != nil {
			return err
		}
	}

	if err := a.Open(ctx); err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	online, unsubscribe := a.monitor.Subscribe()
	defer unsubscribe()
	a.view.SetOnline(a.monitor.IsOnline())

	g.Go(func() error {
		return a.monitor.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case v, ok := <-online:
				if !ok {
					return nil
				}
				a.view.SetOnline(v)
			}
		}
	})
	g.Go(func() error {
		return a.engine.Run(gctx)
	})

	if pushClient != nil {
		g.Go(func() error {
			return pushClient.Run(gctx)
		})
	}

	if opts.Dashboard {
		server, handler := a.NewDashboard(a.cfg.Dashboard.Port)
		g.Go(func() error {
			return server.Run(gctx)
		})
		g.Go(func() error {
			return handler.Run(gctx)
		})
	}

	if opts.Loader != nil {
		opts.Loader.Watch(func(cfg *config.Config) {
			a.engine.SetInterval(cfg.Sync.Interval)
		})
	}

	a.logger.WithField("db", a.cfg.DB.Path).Info("fieldq running")
	return g.Wait()
}

// NewDashboard builds a dashboard server and the handler feeding it from
// the view model. Neither is started.
func (a *App) NewDashboard(port int) (*dashboard.Server, *dashboard.Handler) {
	server := dashboard.NewServer(&dashboard.Config{
		Port:   port,
		Logger: logging.Component(a.logger, "dashboard"),
	})
	handler := dashboard.NewHandler(server, a.view, a.Stats, a.queue.Ceiling(), logging.Component(a.logger, "dashboard"))
	return server, handler
}

package syncengine

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Start launches the trigger loop: a drain on start when already online, on
// every interval tick and on every transition to online. While connectivity
// is provisional the start drain waits for the first observation.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.New("engine already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	var changes <-chan bool
	unsubscribe := func() {}
	if e.conn != nil {
		changes, unsubscribe = e.conn.Subscribe()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		e.loop(ctx, changes, e.interval)
	}()

	e.logger.WithField("interval", e.interval.String()).Info("sync engine started")
	return nil
}

// Stop ends the trigger loop. A drain already in progress is allowed to
// finish; Stop returns once it has.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("sync engine stopped")
	return nil
}

// Run starts the engine and stops it when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

// SetInterval changes the periodic drain interval, taking effect on the
// running loop immediately.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if d == e.interval {
		return
	}
	e.interval = d

	// Latest value wins.
	select {
	case <-e.intervalCh:
	default:
	}
	e.intervalCh <- d
	e.logger.WithField("interval", d.String()).Info("sync interval changed")
}

// Interval returns the current periodic drain interval.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

func (e *Engine) loop(ctx context.Context, changes <-chan bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Drains run detached from ctx so Stop never interrupts a submission.
	drainCtx := context.WithoutCancel(ctx)

	if e.conn == nil || !e.conn.Provisional() {
		if e.online() {
			e.SyncQueuedReports(drainCtx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if e.online() {
				e.SyncQueuedReports(drainCtx)
			}

		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if online {
				e.logger.Info("connectivity restored, draining")
				e.SyncQueuedReports(drainCtx)
			}

		case d := <-e.intervalCh:
			ticker.Reset(d)
		}
	}
}

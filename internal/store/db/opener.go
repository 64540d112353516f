package db

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Opener lazily opens the store exactly once and shares the handle with
// every caller. Concurrent Open calls made before the first one completes
// all wait for that same attempt.
//
// A failed open is not cached: the next Open call retries.
type Opener struct {
	path   string
	logger logrus.FieldLogger

	group singleflight.Group

	mu sync.RWMutex
	db *DB

	// openFunc is swapped in tests
	openFunc func(ctx context.Context, path string, logger logrus.FieldLogger) (*DB, error)
}

// NewOpener creates an Opener for the store at path.
func NewOpener(path string, logger logrus.FieldLogger) *Opener {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "db")
	}
	return &Opener{
		path:     path,
		logger:   logger,
		openFunc: OpenContext,
	}
}

// Open returns the shared store, opening it if needed.
//
// The open itself runs detached from ctx so that one caller giving up does
// not fail the attempt for everyone else waiting on it.
func (o *Opener) Open(ctx context.Context) (*DB, error) {
	if db, err := o.DB(); err == nil {
		return db, nil
	}

	ch := o.group.DoChan("open", func() (any, error) {
		if db, err := o.DB(); err == nil {
			return db, nil
		}

		db, err := o.openFunc(context.WithoutCancel(ctx), o.path, o.logger)
		if err != nil {
			o.logger.WithError(err).Error("failed to open store")
			return nil, err
		}

		o.mu.Lock()
		o.db = db
		o.mu.Unlock()
		return db, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DB), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DB returns the store if it is open, ErrNotOpen otherwise.
func (o *Opener) DB() (*DB, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.db == nil {
		return nil, ErrNotOpen
	}
	return o.db, nil
}

// Ready reports whether the store finished opening.
func (o *Opener) Ready() bool {
	_, err := o.DB()
	return err == nil
}

// Close closes the shared store. The Opener can be opened again afterwards.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.db == nil {
		return nil
	}
	err := o.db.Close()
	o.db = nil
	if err != nil {
		return errors.Wrap(err, "failed to close store")
	}
	return nil
}

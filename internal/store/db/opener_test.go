package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestOpener_ConcurrentOpenSharesOneAttempt(t *testing.T) {
	o := NewOpener(testDBPath(t), nil)
	t.Cleanup(func() { o.Close() })

	var calls atomic.Int32
	release := make(chan struct{})
	o.openFunc = func(ctx context.Context, path string, logger logrus.FieldLogger) (*DB, error) {
		calls.Add(1)
		<-release
		return OpenContext(ctx, path, logger)
	}

	if o.Ready() {
		t.Fatal("Ready() = true before open")
	}
	if _, err := o.DB(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("DB() error = %v, want ErrNotOpen", err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*DB, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Open(context.Background())
		}(i)
	}

	// Let every goroutine reach Open before the attempt completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Open() #%d failed: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("Open() #%d returned a different handle", i)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("open attempts = %d, want 1", got)
	}
	if !o.Ready() {
		t.Error("Ready() = false after open")
	}
}

func TestOpener_FailureIsRetried(t *testing.T) {
	o := NewOpener(testDBPath(t), nil)
	t.Cleanup(func() { o.Close() })

	boom := errors.New("disk on fire")
	var calls atomic.Int32
	o.openFunc = func(ctx context.Context, path string, logger logrus.FieldLogger) (*DB, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return OpenContext(ctx, path, logger)
	}

	if _, err := o.Open(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("first Open() error = %v, want %v", err, boom)
	}
	if o.Ready() {
		t.Fatal("Ready() = true after failed open")
	}
	if _, err := o.Open(context.Background()); err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	if !o.Ready() {
		t.Error("Ready() = false after successful retry")
	}
}

func TestOpener_CloseAndReopen(t *testing.T) {
	o := NewOpener(testDBPath(t), nil)

	if _, err := o.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if o.Ready() {
		t.Error("Ready() = true after Close")
	}
	if _, err := o.Open(context.Background()); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
}

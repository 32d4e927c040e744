package workpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestTrySubmitRejectsSecondTaskForKey(t *testing.T) {
	p := New(testLogger(), 4)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.TrySubmit("job-1", "instantiate", func(ctx context.Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("TrySubmit() err=%v", err)
	}
	<-started

	err := p.TrySubmit("job-1", "stop", func(context.Context) {})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !p.Busy("job-1") {
		t.Fatalf("expected job-1 busy")
	}

	close(release)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if p.Busy("job-1") {
		t.Fatalf("expected job-1 idle after close")
	}
}

func TestTrySubmitBoundedBySize(t *testing.T) {
	p := New(testLogger(), 1)
	release := make(chan struct{})
	if err := p.TrySubmit("a", "t", func(context.Context) { <-release }); err != nil {
		t.Fatalf("TrySubmit() err=%v", err)
	}
	if err := p.TrySubmit("b", "t", func(context.Context) {}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	close(release)
	_ = p.Close(context.Background())
}

func TestCancelStopsTask(t *testing.T) {
	p := New(testLogger(), 2)
	done := make(chan error, 1)
	if err := p.TrySubmit("job-1", "execute", func(ctx context.Context) {
		<-ctx.Done()
		done <- ctx.Err()
	}); err != nil {
		t.Fatalf("TrySubmit() err=%v", err)
	}
	if !p.Cancel("job-1") {
		t.Fatalf("expected Cancel to find task")
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task was not cancelled")
	}
	_ = p.Close(context.Background())
}

func TestPanicReleasesKey(t *testing.T) {
	p := New(testLogger(), 1)
	if err := p.TrySubmit("job-1", "boom", func(context.Context) { panic("boom") }); err != nil {
		t.Fatalf("TrySubmit() err=%v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if p.Busy("job-1") {
		t.Fatalf("expected key released after panic")
	}
}

func TestClosedPoolRejects(t *testing.T) {
	p := New(testLogger(), 1)
	_ = p.Close(context.Background())
	if err := p.TrySubmit("a", "t", func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

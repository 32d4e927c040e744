// Package workpool runs keyed background tasks on a bounded number of
// goroutines. At most one task per key is in flight at any time.
package workpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrBusy   = errors.New("task already running for key")
	ErrFull   = errors.New("worker pool is full")
	ErrClosed = errors.New("worker pool is closed")
)

type Task func(ctx context.Context)

type Pool struct {
	logger *slog.Logger
	sem    *semaphore.Weighted
	base   context.Context
	stop   context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	name    string
	started time.Time
	cancel  context.CancelFunc
}

// Info describes one in-flight task.
type Info struct {
	Key     string
	Name    string
	Started time.Time
}

func New(logger *slog.Logger, size int) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Pool{
		logger:  logger.With("component", "workpool"),
		sem:     semaphore.NewWeighted(int64(size)),
		base:    base,
		stop:    stop,
		running: make(map[string]*entry),
	}
}

// TrySubmit starts task for key without blocking. It fails with ErrBusy when
// key already has a task in flight and ErrFull when no worker is free.
func (p *Pool) TrySubmit(key, name string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.running[key]; ok {
		return ErrBusy
	}
	if !p.sem.TryAcquire(1) {
		return ErrFull
	}

	ctx, cancel := context.WithCancel(p.base)
	e := &entry{name: name, started: time.Now(), cancel: cancel}
	p.running[key] = e
	p.wg.Add(1)
	go p.run(ctx, key, e, task)
	return nil
}

func (p *Pool) run(ctx context.Context, key string, e *entry, task Task) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("task panicked", "key", key, "task", e.name, "panic", v)
		}
		e.cancel()
		p.mu.Lock()
		if p.running[key] == e {
			delete(p.running, key)
		}
		p.mu.Unlock()
		p.sem.Release(1)
		p.wg.Done()
	}()
	task(ctx)
}

func (p *Pool) Busy(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[key]
	return ok
}

// Cancel cancels the context of the task running for key. The task still
// occupies its key until it returns.
func (p *Pool) Cancel(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.running[key]
	if !ok {
		return false
	}
	e.cancel()
	return true
}

func (p *Pool) Running() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.running))
	for key, e := range p.running {
		out = append(out, Info{Key: key, Name: e.name, Started: e.started})
	}
	return out
}

// Close rejects new tasks, cancels running ones and waits for them until
// ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

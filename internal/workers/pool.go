// Package workers provides the worker context for coordinators: a bounded
// pool of goroutines on which blocking queries run.
package workers

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// Pool runs posted tasks with at most Size of them executing at once. Post
// never blocks the caller; excess tasks wait for a slot on their own
// goroutine.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a pool of the given size. A size <= 0 uses GOMAXPROCS.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	p := &Pool{size: size, sem: semaphore.NewWeighted(int64(size))}
	for _, f := range opts {
		f(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p
}

func (p *Pool) Size() int { return p.size }

// Post schedules task. Tasks posted after Close are dropped.
func (p *Pool) Post(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("task posted to closed pool dropped")
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		// Acquire with a background context only fails on cancellation.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		task()
	}()
}

// Wait blocks until every posted task has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Close rejects further posts and waits for running tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

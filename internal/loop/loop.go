// Package loop provides the owning context for coordinators: a single
// goroutine that runs posted tasks one at a time in posting order.
package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrClosed is returned by Do and Run once the loop has been closed.
	ErrClosed = errors.New("loop: closed")
	// ErrRunning is returned by Run when another Run is active.
	ErrRunning = errors.New("loop: already running")
)

type Option func(*Loop)

func WithLogger(l *slog.Logger) Option { return func(lp *Loop) { lp.logger = l } }

// Loop is a serial task runner. Post never blocks; tasks queue without bound
// until Run picks them up.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	running bool
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, f := range opts {
		f(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Post queues task. Tasks posted after Close are dropped.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Warn("task posted to closed loop dropped")
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes tasks on the calling goroutine until ctx is done or Close is
// called. It returns ctx.Err() or nil after Close.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for i, task := range batch {
			batch[i] = nil
			task()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do posts fn and waits for it to finish. If ctx ends first, Do returns
// ctx.Err() and fn still runs later.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops Run and drops queued tasks. It is safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if n := len(l.tasks); n > 0 {
		l.logger.Debug("loop closed with queued tasks", "tasks", n)
	}
	l.tasks = nil
	close(l.done)
}

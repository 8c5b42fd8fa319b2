// Package hub owns the coordinators of a sysinfo process together with the
// owning loop and worker pool they are bound to. It is the bridge between
// arbitrary goroutines (HTTP and RPC handlers, the watch poller, the CLI) and
// the single-threaded owning context.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hanpama/sysinfo/internal/coord"
	"github.com/hanpama/sysinfo/internal/loop"
	"github.com/hanpama/sysinfo/internal/sysinfo"
	"github.com/hanpama/sysinfo/internal/workers"
)

var (
	// ErrQueryFailed reports a cycle whose query returned ok=false.
	ErrQueryFailed = errors.New("hub: query failed")
	// ErrUnknownKind is returned for kinds the hub does not serve.
	ErrUnknownKind = errors.New("hub: unknown info kind")
	// ErrClosed is returned once the hub has been closed.
	ErrClosed = errors.New("hub: closed")
)

// Kind names one kind of information served by the hub.
type Kind string

const (
	CPU     Kind = "cpu"
	Memory  Kind = "memory"
	Storage Kind = "storage"
)

// Kinds lists the served kinds in a stable order.
func Kinds() []Kind { return []Kind{CPU, Memory, Storage} }

// Options configures a Hub.
//
// Defaults:
// - Workers:      GOMAXPROCS
// - PendingLimit: 0 (unbounded)
// - Logger:       discards everything
type Options struct {
	Workers      int
	PendingLimit int
	Logger       *slog.Logger
	Sysinfo      []sysinfo.Option
}

// Hub runs the owning loop on its own goroutine from New until Close.
type Hub struct {
	logger *slog.Logger
	loop   *loop.Loop
	pool   *workers.Pool

	cpuProvider     *sysinfo.CPUProvider
	storageProvider *sysinfo.StorageProvider
	cpu             *coord.Coordinator[sysinfo.CPUInfo]
	memory          *coord.Coordinator[sysinfo.MemoryInfo]
	storage         *coord.Coordinator[sysinfo.StorageInfo]

	cancel  context.CancelFunc
	stopped chan struct{}
	closed  chan struct{}
}

func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	lp := loop.New(loop.WithLogger(logger))
	pool := workers.New(opts.Workers, workers.WithLogger(logger))

	coordOpts := []coord.Option{coord.WithLogger(logger), coord.WithPendingLimit(opts.PendingLimit)}
	cpuProvider := sysinfo.NewCPUProvider(opts.Sysinfo...)
	storageProvider := sysinfo.NewStorageProvider(lp, pool, opts.Sysinfo...)

	h := &Hub{
		logger:          logger,
		loop:            lp,
		pool:            pool,
		cpuProvider:     cpuProvider,
		storageProvider: storageProvider,
		cpu:             coord.New[sysinfo.CPUInfo](string(CPU), cpuProvider, lp, pool, coordOpts...),
		memory:          coord.New[sysinfo.MemoryInfo](string(Memory), sysinfo.NewMemoryProvider(opts.Sysinfo...), lp, pool, coordOpts...),
		storage:         coord.New[sysinfo.StorageInfo](string(Storage), storageProvider, lp, pool, coordOpts...),
		stopped:         make(chan struct{}),
		closed:          make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.stopped)
		if err := lp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("owning loop stopped", "error", err)
		}
	}()
	return h
}

// Close stops the owning loop and waits for running queries. Requests still
// waiting fail with ErrClosed.
func (h *Hub) Close() {
	select {
	case <-h.closed:
		return
	default:
	}
	close(h.closed)
	h.cancel()
	h.loop.Close()
	<-h.stopped
	h.pool.Close()
}

// CPU requests CPU information.
func (h *Hub) CPU(ctx context.Context) (sysinfo.CPUInfo, error) {
	return request(ctx, h, h.cpu)
}

// Memory requests memory information.
func (h *Hub) Memory(ctx context.Context) (sysinfo.MemoryInfo, error) {
	return request(ctx, h, h.memory)
}

// Storage requests storage information.
func (h *Hub) Storage(ctx context.Context) (sysinfo.StorageInfo, error) {
	return request(ctx, h, h.storage)
}

// Get requests the information of the given kind.
func (h *Hub) Get(ctx context.Context, kind Kind) (any, error) {
	switch kind {
	case CPU:
		return h.CPU(ctx)
	case Memory:
		return h.Memory(ctx)
	case Storage:
		return h.Storage(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Stats returns coordinator stats in Kinds order.
func (h *Hub) Stats(ctx context.Context) ([]coord.Stats, error) {
	var out []coord.Stats
	err := h.do(ctx, func() {
		out = []coord.Stats{h.cpu.Stats(), h.memory.Stats(), h.storage.Stats()}
	})
	return out, err
}

// SetCPUSampleInterval changes the CPU usage window for later cycles.
func (h *Hub) SetCPUSampleInterval(ctx context.Context, d time.Duration) error {
	return h.do(ctx, func() { h.cpuProvider.SetSampleInterval(d) })
}

// Eject unmounts storage unit id. The unit is looked up in freshly requested
// storage information and the unmount runs on the worker pool. Classify the
// error with sysinfo.EjectResultOf.
func (h *Hub) Eject(ctx context.Context, id string) error {
	info, err := h.Storage(ctx)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	h.pool.Post(func() { done <- h.storageProvider.Eject(info, id) })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("hub: eject %s: %w", id, ctx.Err())
	case <-h.closed:
		return ErrClosed
	}
}

func (h *Hub) do(ctx context.Context, fn func()) error {
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	err := h.loop.Do(ctx, fn)
	if errors.Is(err, loop.ErrClosed) {
		return ErrClosed
	}
	return err
}

type outcome[T any] struct {
	info T
	ok   bool
	err  error
}

// request submits a RequestInfo on the owning context and waits for its
// callback. The payload is copied on the owning context, so the caller never
// shares it with a later cycle. If ctx ends first the caller gets the
// context error and the callback's late result is discarded; the
// coordinator's cycle is not affected.
func request[T any](ctx context.Context, h *Hub, c *coord.Coordinator[T]) (T, error) {
	var zero T
	select {
	case <-h.closed:
		return zero, ErrClosed
	default:
	}

	ch := make(chan outcome[T], 1)
	h.loop.Post(func() {
		err := c.RequestInfo(func(ok bool) {
			ch <- outcome[T]{info: *c.Info(), ok: ok}
		})
		if err != nil {
			ch <- outcome[T]{err: err}
		}
	})

	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			return zero, fmt.Errorf("hub: %s: %w", c.Name(), res.err)
		case !res.ok:
			return zero, fmt.Errorf("%w: %s", ErrQueryFailed, c.Name())
		}
		return res.info, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("hub: %s: %w", c.Name(), ctx.Err())
	case <-h.closed:
		return zero, ErrClosed
	}
}

package coord

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	eventbus "github.com/hanpama/sysinfo/internal/eventbus"
	events "github.com/hanpama/sysinfo/internal/events"
)

// State is the single-flight gate of a Coordinator.
type State int

const (
	// Idle means no query is outstanding and the pending queue is empty.
	Idle State = iota
	// InFlight means a cycle has started and has not finished draining.
	InFlight
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a Coordinator.
type Stats struct {
	Name      string
	State     State
	Pending   int
	Cycles    uint64
	Failures  uint64
	Delivered uint64
}

// Options configures a Coordinator.
//
// Defaults:
// - Logger:       discards everything
// - PendingLimit: 0 (unbounded)
type Options struct {
	Logger       *slog.Logger
	PendingLimit int
}

type Option func(*Options)

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }
func WithPendingLimit(n int) Option    { return func(o *Options) { o.PendingLimit = n } }

// Coordinator coalesces requests for the payload produced by a Querier.
// See the package documentation for the threading contract.
type Coordinator[T any] struct {
	name    string
	id      string
	querier Querier[T]
	owner   Poster
	worker  Poster
	opts    Options
	logger  *slog.Logger

	state   State
	pending []Callback
	info    T

	cycles    uint64
	failures  uint64
	delivered uint64
}

// New returns an idle Coordinator that serves q. Owner must run tasks
// serially; worker may run them in parallel with the owner.
func New[T any](name string, q Querier[T], owner, worker Poster, opts ...Option) *Coordinator[T] {
	o := Options{}
	for _, f := range opts {
		f(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator[T]{
		name:    name,
		id:      uuid.NewString(),
		querier: q,
		owner:   owner,
		worker:  worker,
		opts:    o,
		logger:  logger.With("coordinator", name),
	}
}

// Name returns the name given at construction.
func (c *Coordinator[T]) Name() string { return c.name }

// ID identifies this coordinator in its cycle events.
func (c *Coordinator[T]) ID() string { return c.id }

// RequestInfo queues cb for the current or next cycle and starts a cycle if
// none is in flight. It never blocks. Owning context only.
func (c *Coordinator[T]) RequestInfo(cb Callback) error {
	if cb == nil {
		return ErrNilCallback
	}
	if c.opts.PendingLimit > 0 && len(c.pending) >= c.opts.PendingLimit {
		return ErrPendingLimit
	}

	c.pending = append(c.pending, cb)

	if c.state == InFlight {
		return nil
	}
	c.state = InFlight
	c.startCycle()
	return nil
}

// Info returns the payload stored by the most recent completed cycle. The
// pointee is overwritten when the next cycle completes, so callers that keep
// it past their callback must copy it. Owning context only.
func (c *Coordinator[T]) Info() *T { return &c.info }

// State reports the gate state. Owning context only.
func (c *Coordinator[T]) State() State { return c.state }

// Stats reports counters and queue depth. Owning context only.
func (c *Coordinator[T]) Stats() Stats {
	return Stats{
		Name:      c.name,
		State:     c.state,
		Pending:   len(c.pending),
		Cycles:    c.cycles,
		Failures:  c.failures,
		Delivered: c.delivered,
	}
}

func (c *Coordinator[T]) startCycle() {
	c.cycles++
	cycle := c.cycles

	init, ok := c.querier.(Initializer)
	if !ok {
		c.dispatch(cycle)
		return
	}
	started := false
	init.InitializeQuery(func() {
		if started {
			c.logger.Warn("initializer started cycle twice", "cycle", cycle)
			return
		}
		started = true
		c.dispatch(cycle)
	})
}

func (c *Coordinator[T]) dispatch(cycle uint64) {
	if p, ok := c.querier.(Preparer); ok {
		p.PrepareQuery()
	}

	waiters := len(c.pending)
	c.logger.Debug("query dispatched", "cycle", cycle, "waiters", waiters)
	eventbus.Publish(context.Background(), events.QueryStart{Coordinator: c.name, Instance: c.id, Cycle: cycle, Waiters: waiters})

	start := time.Now()
	c.worker.Post(func() {
		info, ok := c.querier.ExecuteQuery()
		c.owner.Post(func() { c.onQueryCompleted(cycle, start, info, ok) })
	})
}

// onQueryCompleted runs on the owning context. Requests queued by the
// callbacks themselves land in a fresh slice and are served by the next
// cycle, which is started only after this drain has finished.
func (c *Coordinator[T]) onQueryCompleted(cycle uint64, start time.Time, info T, ok bool) {
	c.info = info
	if !ok {
		c.failures++
	}

	batch := c.pending
	c.pending = nil
	for i, cb := range batch {
		batch[i] = nil
		cb(ok)
		c.delivered++
	}

	elapsed := time.Since(start)
	c.logger.Debug("query completed", "cycle", cycle, "ok", ok, "delivered", len(batch), "elapsed", elapsed)
	eventbus.Publish(context.Background(), events.QueryFinish{
		Coordinator: c.name,
		Instance:    c.id,
		Cycle:       cycle,
		OK:          ok,
		Delivered:   len(batch),
		Duration:    elapsed,
	})

	c.state = Idle
	if len(c.pending) > 0 {
		c.state = InFlight
		c.startCycle()
	}
}

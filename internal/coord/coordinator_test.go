package coord

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	eventbus "github.com/hanpama/sysinfo/internal/eventbus"
	events "github.com/hanpama/sysinfo/internal/events"
	"github.com/hanpama/sysinfo/internal/loop"
	"github.com/hanpama/sysinfo/internal/workers"
)

// manual is a Poster whose tasks run only when the test says so. It lets a
// single goroutine play both the owning and the worker context.
type manual struct{ tasks []func() }

func (m *manual) Post(task func()) { m.tasks = append(m.tasks, task) }

func (m *manual) runAll() int {
	n := 0
	for len(m.tasks) > 0 {
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		task()
		n++
	}
	return n
}

type countingQuery struct {
	calls   int
	payload string
	ok      bool
}

func (q *countingQuery) ExecuteQuery() (string, bool) {
	q.calls++
	return q.payload, q.ok
}

type recorder struct {
	calls []string
}

func (r *recorder) cb(name string) Callback {
	return func(ok bool) {
		r.calls = append(r.calls, name+":"+map[bool]string{true: "ok", false: "fail"}[ok])
	}
}

func newManual(q Querier[string], opts ...Option) (*Coordinator[string], *manual, *manual) {
	owner, worker := &manual{}, &manual{}
	return New[string]("test", q, owner, worker, opts...), owner, worker
}

func TestCoalescedCycleDeliversInOrder(t *testing.T) {
	q := &countingQuery{payload: "P", ok: true}
	c, owner, worker := newManual(q)
	r := &recorder{}

	var seen []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		cb := r.cb(name)
		require.NoError(t, c.RequestInfo(func(ok bool) {
			seen = append(seen, *c.Info())
			cb(ok)
		}))
	}
	require.Equal(t, InFlight, c.State())
	require.Len(t, worker.tasks, 1, "exactly one dispatch for three requests")

	worker.runAll()
	require.Empty(t, r.calls, "callbacks must wait for the owning context")
	owner.runAll()

	require.Equal(t, 1, q.calls)
	if diff := cmp.Diff([]string{"A:ok", "B:ok", "C:ok"}, r.calls); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"P", "P", "P"}, seen)
	require.Equal(t, Idle, c.State())
	require.Equal(t, Stats{Name: "test", State: Idle, Cycles: 1, Delivered: 3}, c.Stats())
}

func TestSubmissionDuringExecutionJoinsCycle(t *testing.T) {
	q := &countingQuery{ok: false}
	c, owner, worker := newManual(q)
	r := &recorder{}

	require.NoError(t, c.RequestInfo(r.cb("A")))
	// The worker has the query but has not run it yet.
	require.NoError(t, c.RequestInfo(r.cb("B")))
	worker.runAll()
	// The query returned but completion has not reached the owner yet.
	require.NoError(t, c.RequestInfo(r.cb("C")))
	owner.runAll()
	worker.runAll()

	require.Equal(t, 1, q.calls)
	require.Equal(t, []string{"A:fail", "B:fail", "C:fail"}, r.calls)
	require.Equal(t, Idle, c.State())
	st := c.Stats()
	require.Equal(t, uint64(1), st.Failures)
	require.Equal(t, 0, st.Pending)
}

func TestReentrantRequestStartsOneNewCycle(t *testing.T) {
	q := &countingQuery{payload: "P", ok: true}
	c, owner, worker := newManual(q)
	r := &recorder{}

	require.NoError(t, c.RequestInfo(func(ok bool) {
		r.cb("A")(ok)
		require.NoError(t, c.RequestInfo(r.cb("D")))
	}))
	require.NoError(t, c.RequestInfo(func(ok bool) {
		r.cb("B")(ok)
		require.NoError(t, c.RequestInfo(r.cb("E")))
	}))

	worker.runAll()
	owner.runAll()

	require.Equal(t, []string{"A:ok", "B:ok"}, r.calls, "re-entrant requests must not be served by the finished cycle")
	require.Equal(t, InFlight, c.State())
	require.Len(t, worker.tasks, 1)
	require.Equal(t, 2, c.Stats().Pending)

	worker.runAll()
	owner.runAll()

	require.Equal(t, 2, q.calls)
	require.Equal(t, []string{"A:ok", "B:ok", "D:ok", "E:ok"}, r.calls)
	require.Equal(t, Idle, c.State())
	require.Equal(t, uint64(2), c.Stats().Cycles)
}

func TestIdleAfterDrainThenFreshCycle(t *testing.T) {
	q := &countingQuery{ok: true}
	c, owner, worker := newManual(q)
	r := &recorder{}

	require.NoError(t, c.RequestInfo(r.cb("A")))
	worker.runAll()
	owner.runAll()
	require.Equal(t, Idle, c.State())
	require.Zero(t, c.Stats().Pending)

	require.NoError(t, c.RequestInfo(r.cb("B")))
	worker.runAll()
	owner.runAll()
	require.Equal(t, 2, q.calls)
	require.Equal(t, []string{"A:ok", "B:ok"}, r.calls)
}

func TestRejectedRequests(t *testing.T) {
	q := &countingQuery{ok: true}
	c, owner, worker := newManual(q, WithPendingLimit(2))

	require.ErrorIs(t, c.RequestInfo(nil), ErrNilCallback)
	require.Equal(t, Idle, c.State(), "nil callback must not start a cycle")

	var delivered int
	cb := func(bool) { delivered++ }
	require.NoError(t, c.RequestInfo(cb))
	require.NoError(t, c.RequestInfo(cb))
	require.ErrorIs(t, c.RequestInfo(cb), ErrPendingLimit)

	worker.runAll()
	owner.runAll()
	require.Equal(t, 2, delivered)
	require.Equal(t, 1, q.calls)
}

type hookedQuery struct {
	log      *[]string
	c        *Coordinator[int]
	deferred func()
}

func (q *hookedQuery) InitializeQuery(start func()) {
	*q.log = append(*q.log, "init")
	q.deferred = start
}

func (q *hookedQuery) PrepareQuery() {
	*q.log = append(*q.log, "prepare")
	// Requests made from the hook only enqueue.
	_ = q.c.RequestInfo(func(bool) { *q.log = append(*q.log, "from-prepare") })
}

func (q *hookedQuery) ExecuteQuery() (int, bool) {
	*q.log = append(*q.log, "execute")
	return 42, true
}

func TestHooksRunOnOwnerBeforeDispatch(t *testing.T) {
	var log []string
	q := &hookedQuery{log: &log}
	owner, worker := &manual{}, &manual{}
	c := New[int]("hooked", q, owner, worker)
	q.c = c

	require.NoError(t, c.RequestInfo(func(ok bool) { log = append(log, "cb") }))
	require.Equal(t, []string{"init"}, log)
	require.Empty(t, worker.tasks, "dispatch waits for the initializer")

	q.deferred()
	q.deferred() // a second start is ignored
	require.Len(t, worker.tasks, 1)

	worker.runAll()
	owner.runAll()
	require.Equal(t, []string{"init", "prepare", "execute", "cb", "from-prepare"}, log)
	require.Equal(t, 42, *c.Info())
	require.Equal(t, Idle, c.State())
}

func TestCoordinatorIDsAreUnique(t *testing.T) {
	a, _, _ := newManual(&countingQuery{ok: true})
	b, _, _ := newManual(&countingQuery{ok: true})
	require.Equal(t, a.Name(), b.Name())
	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
}

func TestCycleEvents(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)

	var starts []events.QueryStart
	var finishes []events.QueryFinish
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.QueryStart) { starts = append(starts, e) })
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.QueryFinish) { finishes = append(finishes, e) })

	c, owner, worker := newManual(&countingQuery{ok: false})
	require.NoError(t, c.RequestInfo(func(bool) {}))
	require.NoError(t, c.RequestInfo(func(bool) {}))
	worker.runAll()
	owner.runAll()

	require.Equal(t, []events.QueryStart{{Coordinator: "test", Instance: c.ID(), Cycle: 1, Waiters: 1}}, starts)
	require.Len(t, finishes, 1)
	require.Equal(t, c.ID(), finishes[0].Instance)
	require.Equal(t, uint64(1), finishes[0].Cycle)
	require.False(t, finishes[0].OK)
	require.Equal(t, 2, finishes[0].Delivered)
}

// blockingQuery counts executions and overlapping executions.
type blockingQuery struct {
	release  chan struct{}
	calls    atomic.Int32
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (q *blockingQuery) ExecuteQuery() (int, bool) {
	if q.inflight.Add(1) > 1 {
		q.overlap.Store(true)
	}
	defer q.inflight.Add(-1)
	n := q.calls.Add(1)
	<-q.release
	return int(n), true
}

func TestRealContextsSingleFlight(t *testing.T) {
	owner := loop.New()
	pool := workers.New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = owner.Run(ctx) }()
	defer owner.Close()
	defer pool.Close()

	q := &blockingQuery{release: make(chan struct{})}
	c := New[int]("real", q, owner, pool)

	type delivery struct {
		ok    bool
		value int
	}
	const n = 32
	var wg sync.WaitGroup
	results := make(chan delivery, n)
	errs := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			owner.Post(func() {
				err := c.RequestInfo(func(ok bool) {
					results <- delivery{ok: ok, value: *c.Info()}
					wg.Done()
				})
				if err != nil {
					errs <- err
					wg.Done()
				}
			})
		}()
	}

	// Wait until every request is queued behind the blocked query.
	require.Eventually(t, func() bool {
		var pending int
		_ = owner.Do(context.Background(), func() { pending = c.Stats().Pending })
		return pending == n
	}, time.Second, time.Millisecond)

	close(q.release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), q.calls.Load())
	require.False(t, q.overlap.Load())
	require.Len(t, results, n)
	for d := range results {
		require.True(t, d.ok)
		require.Equal(t, 1, d.value)
	}
	var st Stats
	require.NoError(t, owner.Do(context.Background(), func() { st = c.Stats() }))
	require.Equal(t, Idle, st.State)
	require.Equal(t, uint64(n), st.Delivered)
}

func TestQueryFuncAndPosterFunc(t *testing.T) {
	var tasks []func()
	p := PosterFunc(func(task func()) { tasks = append(tasks, task) })
	c := New[string]("func", QueryFunc[string](func() (string, bool) { return "x", true }), p, p)

	var got string
	require.NoError(t, c.RequestInfo(func(ok bool) { got = *c.Info() }))
	for len(tasks) > 0 {
		task := tasks[0]
		tasks = tasks[1:]
		task()
	}
	require.Equal(t, "x", got)
	require.Equal(t, "func", c.Name())
	require.Equal(t, "idle", c.State().String())
}

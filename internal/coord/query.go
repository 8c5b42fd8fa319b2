package coord

// Poster schedules a task on an execution context. Post must not block the
// caller and must run tasks at most once.
type Poster interface {
	Post(task func())
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(task func())

func (f PosterFunc) Post(task func()) { f(task) }

// Querier produces the information served by a Coordinator.
//
// ExecuteQuery runs on the worker context and may block. It returns the
// payload and whether the payload is valid. It must not call back into the
// Coordinator.
type Querier[T any] interface {
	ExecuteQuery() (T, bool)
}

// QueryFunc adapts a plain function to Querier.
type QueryFunc[T any] func() (T, bool)

func (f QueryFunc[T]) ExecuteQuery() (T, bool) { return f() }

// Preparer is implemented by queriers that need setup on the owning context
// right before each dispatch. PrepareQuery must not block.
type Preparer interface {
	PrepareQuery()
}

// Initializer is implemented by queriers that must finish some owning-context
// work before a cycle may proceed. InitializeQuery must call start exactly
// once, either directly or from a later task on the owning context.
type Initializer interface {
	InitializeQuery(start func())
}

// Callback receives the outcome of the cycle it was queued for.
type Callback func(ok bool)

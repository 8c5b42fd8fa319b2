package coord

import "errors"

var (
	// ErrNilCallback is returned by RequestInfo when the callback is nil.
	ErrNilCallback = errors.New("coord: nil callback")

	// ErrPendingLimit is returned by RequestInfo when the pending queue is at
	// the configured limit. The callback is not queued.
	ErrPendingLimit = errors.New("coord: pending request limit reached")
)

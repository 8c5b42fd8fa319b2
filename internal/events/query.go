package events

import "time"

// QueryStart is emitted when a coordinator dispatches a query. Instance
// tells apart coordinators sharing a name, such as those of two hubs.
type QueryStart struct {
	Coordinator string
	Instance    string
	Cycle       uint64
	Waiters     int
}

// QueryFinish is emitted after a coordinator has drained a cycle.
type QueryFinish struct {
	Coordinator string
	Instance    string
	Cycle       uint64
	OK          bool
	Delivered   int
	Duration    time.Duration
}

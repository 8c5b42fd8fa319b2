// Package coord implements a coalescing query coordinator.
//
// A Coordinator serves repeated requests for an expensive piece of
// information by running the underlying query at most once per burst of
// requests and fanning the single outcome out to every caller of that burst.
//
// # Contexts
//
// A Coordinator is bound to two Posters at construction:
//
//   - the owner, a single-threaded serial context (see internal/loop). All
//     calls to RequestInfo, Info, State and Stats happen here, and every
//     callback is delivered here.
//   - the worker, a context allowed to block (see internal/workers). Only the
//     query itself runs there.
//
// The pending queue, the state flag and the stored payload are touched only
// on the owner, so the type carries no mutex. The worker hands its result
// back with owner.Post, which orders the payload write before any read.
//
// # Cycles
//
// The first RequestInfo on an idle coordinator starts a cycle:
//
//	Idle --RequestInfo--> InFlight --query completes--> drain --> Idle
//
// While InFlight, RequestInfo only appends to the queue. When the query
// completes, the queue that was open during the cycle is drained in FIFO
// order. Callbacks that call RequestInfo again during the drain are queued
// for the next cycle, which is dispatched as soon as the drain finishes.
//
// # Hooks
//
// The query type may implement Initializer and Preparer. InitializeQuery runs
// first on the owner and decides when the cycle may proceed; PrepareQuery runs
// on the owner right before dispatch.
//
// Failures are reported as ok=false to every callback of the cycle. The
// coordinator never retries.
package coord

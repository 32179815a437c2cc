// Package jobqueue is an in-process job scheduler.
//
// A Queue admits jobs into a FIFO backlog and dispatches them while three
// gates allow it:
//
//   - concurrency: at most MaxConcurrency jobs run at once
//   - rate: at most RateLimit dispatches per RateWindow (fixed window by
//     default, evenly spaced with RateInterval)
//   - lifecycle: nothing is dispatched after Dispose
//
// Dispatch is level-triggered. Every admission, settlement, setter call and
// rate-limit wake-up re-runs the same loop, which keeps going until one of
// the gates closes.
//
// Each dispatched job runs under a timeout supervisor. When the timeout wins,
// the caller gets a *TimeoutError, the slot is released and the work's context
// is canceled; a late result from the work is discarded.
//
// All state is guarded by one mutex. Work itself never runs under the lock.
package jobqueue

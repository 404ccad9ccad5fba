// Package scheduler implements the pausable, bounded-concurrency dispatch loop
// shared by the crawl and download engines.
//
// A Scheduler pops items from a single FIFO work queue and hands each one to a
// handler on its own goroutine. Concurrency is bounded by a weighted
// semaphore used as a permit pool: the loop acquires one permit before
// dispatching and the permit is released exactly once when the handler
// returns, whether it succeeded, failed, or was cancelled.
//
// Every dispatched item is tracked under its key so that RemoveByKey can
// cancel it. A removal that arrives before the item is dispatched is recorded
// in a suppress set and the item is skipped when its turn comes.
//
// The scheduler also carries the drain status used by engines to decide when
// all work is finished. The status only moves forward.
package scheduler

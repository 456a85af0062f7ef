// Package executor runs selected plans against the world.
//
// The executor walks a plan's steps in order, grouping adjacent steps with
// disjoint predicates into batches that run concurrently under a bounded
// semaphore. Each step's effector call is retried with capped exponential
// backoff while the failure is transient; a permanent failure triggers
// reverse-order compensation of every step that already succeeded. Step
// effects are committed to the state store atomically in step order, and
// every lifecycle transition is published on the plan's event stream.
package executor

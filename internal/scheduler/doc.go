// Package scheduler provides the time-based trigger service behind the
// coordinators.
//
// The core only depends on the Scheduler interface (schedule/cancel of
// named one-shot jobs). Service is the in-process implementation: each
// scheduled job arms a timer; fires are pushed through a bounded queue
// to a worker pool which invokes the registered fire handler with
// at-least-once semantics (failed handler calls are retried with
// backoff). Handlers must therefore be idempotent.
//
// Periodic maintenance work (store pruning, stale-connection sweeps,
// heartbeats) is registered as cron "@every" entries on the same
// service.
package scheduler

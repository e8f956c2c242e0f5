// Package store persists the scheduler's view of tasks and their
// scheduled jobs.
//
// Job status is the dedup source of truth for at-least-once fires: a
// fire is only acted on by the caller that wins the conditional
// pending->fired transition, and that holds across restarts.
package store

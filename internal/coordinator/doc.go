// Package coordinator keeps scheduled jobs in sync with task state and
// turns job fires into lifecycle events.
//
// All operations for one task id are serialized on a per-task lock, so
// "user deletes task" cannot race "reminder fires" into an orphaned
// event. Operations on different tasks run fully in parallel. Fire
// handling is idempotent: the job record's conditional pending->fired
// transition in the store decides which delivery of a duplicate fire
// acts.
package coordinator

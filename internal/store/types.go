package store

import (
	"context"
	"errors"
	"time"

	"taskpulse/internal/task"
)

var ErrClosed = errors.New("store closed")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type JobKind string

const (
	KindReminder  JobKind = "reminder"
	KindRecurring JobKind = "recurring"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusFired     JobStatus = "fired"
	StatusCancelled JobStatus = "cancelled"
)

// JobRecord mirrors one scheduled job. At most one record per
// (task_id, kind) is pending at any time; the schema enforces it with a
// partial unique index.
type JobRecord struct {
	JobID     string
	TaskID    string
	Kind      JobKind
	FireAt    time.Time
	Status    JobStatus
	UpdatedAt time.Time
}

// Store is the persistence API used by the coordinators.
type Store interface {
	UpsertTask(ctx context.Context, t task.Task) error
	GetTask(ctx context.Context, id string) (task.Task, bool, error)
	DeleteTask(ctx context.Context, id string) error

	CreateJob(ctx context.Context, r JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, bool, error)
	PendingJob(ctx context.Context, taskID string, kind JobKind) (JobRecord, bool, error)
	PendingJobs(ctx context.Context) ([]JobRecord, error)

	// MarkFired and MarkCancelled transition a job conditionally from
	// pending. They report false when the job was not pending, which is
	// how duplicate fires and double cancels are detected.
	MarkFired(ctx context.Context, jobID string) (bool, error)
	MarkCancelled(ctx context.Context, jobID string) (bool, error)

	PruneJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// Package task holds the task fields the scheduling engine acts on.
// The upstream CRUD layer owns everything else about a task.
package task

import (
	"errors"
	"fmt"
	"time"

	"taskpulse/internal/recurrence"
)

var ErrInvalidTask = errors.New("invalid task")

// Task is the scheduler's view of a task. A zero ReminderOffset means no
// reminder is requested.
type Task struct {
	ID             string
	OwnerID        string
	DueAt          *time.Time
	Rule           *recurrence.Rule
	ReminderOffset time.Duration
	Completed      bool
	CreatedAt      time.Time
}

// Validate enforces the scheduling invariants at mutation time, before
// any job is armed. A malformed recurrence rule is rejected here rather
// than discovered at fire time.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidTask)
	}
	if t.OwnerID == "" {
		return fmt.Errorf("%w: owner id required", ErrInvalidTask)
	}
	if t.ReminderOffset < 0 {
		return fmt.Errorf("%w: reminder offset must be >= 0", ErrInvalidTask)
	}
	if t.ReminderOffset > 0 && t.DueAt == nil {
		return fmt.Errorf("%w: reminder offset requires a due date", ErrInvalidTask)
	}
	if t.Rule != nil {
		if t.DueAt == nil {
			return fmt.Errorf("%w: recurrence rule requires a due date", ErrInvalidTask)
		}
		if err := t.Rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HasReminder reports whether both reminder inputs are present.
func (t Task) HasReminder() bool {
	return t.DueAt != nil && t.ReminderOffset > 0
}

// ReminderFireAt computes when the reminder should fire. Only valid when
// HasReminder() is true.
func (t Task) ReminderFireAt() time.Time {
	return t.DueAt.Add(-t.ReminderOffset)
}

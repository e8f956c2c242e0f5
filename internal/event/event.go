// Package event defines the lifecycle event envelope shared by the
// coordinators, the publisher and the notification fan-out.
package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TaskCreated        Type = "TASK_CREATED"
	TaskUpdated        Type = "TASK_UPDATED"
	TaskCompleted      Type = "TASK_COMPLETED"
	TaskDeleted        Type = "TASK_DELETED"
	ReminderDue        Type = "REMINDER_DUE"
	RecurringGenerated Type = "RECURRING_GENERATED"

	// Gap is queued in place of dropped events when a connection's
	// outbound queue overflows, so clients can detect loss and refetch.
	Gap Type = "GAP"

	// Heartbeat is the keep-alive marker the fan-out emits on every
	// connection at a fixed interval.
	Heartbeat Type = "HEARTBEAT"
)

// Topic names are logical partitions on the broker.
const (
	TopicTaskEvents = "task-events"
	TopicReminders  = "task-reminders"
	TopicRecurring  = "task-recurring"
)

// Event is the envelope published to the broker and delivered to client
// connections. Payload is opaque to everything but the producing
// coordinator and the consuming client.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	TaskID    string         `json:"task_id"`
	OwnerID   string         `json:"owner_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New stamps a fresh envelope. The caller supplies the timestamp so that
// per-task emission order (and therefore timestamp monotonicity per task)
// is decided under the coordinator's task lock, not here.
func New(t Type, taskID, ownerID string, ts time.Time, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		TaskID:    taskID,
		OwnerID:   ownerID,
		Timestamp: ts,
		Payload:   payload,
	}
}

// TopicFor maps an event type to its broker topic.
func TopicFor(t Type) string {
	switch t {
	case ReminderDue:
		return TopicReminders
	case RecurringGenerated:
		return TopicRecurring
	default:
		return TopicTaskEvents
	}
}

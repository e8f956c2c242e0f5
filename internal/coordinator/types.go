package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"taskpulse/internal/event"
)

// TaskAPI is the outbound contract to the task-mutation layer. The
// coordinator calls it when a recurring job fires to materialize the
// fired occurrence as a real task.
type TaskAPI interface {
	CreateInstance(ctx context.Context, templateTaskID string, dueAt time.Time) (newTaskID string, err error)
}

// Publisher is the slice of the event publisher the coordinators need.
type Publisher interface {
	Publish(ev event.Event)
}

type Config struct {
	// FirePastDue controls what happens when a reminder's computed
	// fire time is already in the past at scheduling time: schedule an
	// immediate fire (true) or skip the reminder (false, default).
	FirePastDue bool
}

// jobPayload travels through the external scheduler and comes back on
// the fire callback.
type jobPayload struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id"`
}

func encodePayload(kind, taskID string) []byte {
	b, _ := json.Marshal(jobPayload{Kind: kind, TaskID: taskID})
	return b
}

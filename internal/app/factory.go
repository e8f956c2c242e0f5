package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/coordinator"
	"taskpulse/internal/store"
	"taskpulse/internal/task"
)

// instanceFactory materializes a fired recurrence occurrence as a
// fresh one-off task. It is bound to the coordinator after
// construction because each needs the other.
type instanceFactory struct {
	store store.Store

	mu    sync.Mutex
	coord *coordinator.Service
}

func (f *instanceFactory) bind(c *coordinator.Service) {
	f.mu.Lock()
	f.coord = c
	f.mu.Unlock()
}

// CreateInstance copies the template's reminder settings onto a new
// task due at the fired occurrence. The instance does not recur; the
// template's job drives the series.
func (f *instanceFactory) CreateInstance(ctx context.Context, templateTaskID string, dueAt time.Time) (string, error) {
	f.mu.Lock()
	coord := f.coord
	f.mu.Unlock()
	if coord == nil {
		return "", errors.New("coordinator not bound")
	}

	tmpl, ok, err := f.store.GetTask(ctx, templateTaskID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("template task %s not found", templateTaskID)
	}

	inst := task.Task{
		ID:             uuid.NewString(),
		OwnerID:        tmpl.OwnerID,
		DueAt:          &dueAt,
		ReminderOffset: tmpl.ReminderOffset,
		CreatedAt:      time.Now(),
	}
	if err := coord.OnTaskCreated(ctx, inst); err != nil {
		return "", err
	}
	return inst.ID, nil
}

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskpulse/internal/event"
	"taskpulse/internal/store"
	"taskpulse/pkg/logx"
)

// HandleFire is the scheduler's fire callback. Delivery is
// at-least-once; the conditional pending->fired transition on the job
// record makes duplicate deliveries act exactly once.
func (s *Service) HandleFire(ctx context.Context, jobID string, payload []byte) error {
	taskID := taskIDFromPayload(payload)
	if taskID == "" {
		rec, ok, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Warn("fire for unknown job", logx.String("job", jobID))
			return nil
		}
		taskID = rec.TaskID
	}

	st := s.states.get(taskID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Authoritative read under the task lock; the record may have been
	// cancelled between the fire and the lock.
	rec, ok, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("fire for unknown job", logx.String("job", jobID))
		return nil
	}

	switch rec.Kind {
	case store.KindReminder:
		return s.fireReminderLocked(ctx, st, rec)
	case store.KindRecurring:
		return s.fireRecurringLocked(ctx, st, rec)
	default:
		s.log.Warn("fire for unknown job kind", logx.String("job", jobID), logx.String("kind", string(rec.Kind)))
		return nil
	}
}

func taskIDFromPayload(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var p jobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.TaskID
}

func (s *Service) fireReminderLocked(ctx context.Context, st *taskState, rec store.JobRecord) error {
	won, err := s.store.MarkFired(ctx, rec.JobID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	t, ok, err := s.store.GetTask(ctx, rec.TaskID)
	if err != nil {
		// Already fired; a redelivery would no-op, so log instead of retrying.
		s.log.Error("task lookup after fire failed", logx.String("job", rec.JobID), logx.Err(err))
		return nil
	}
	if !ok || t.Completed {
		s.log.Debug("reminder fired for missing or completed task; dropped", logx.String("task", rec.TaskID))
		return nil
	}
	payload := map[string]any{"fire_at": rec.FireAt.Format(time.RFC3339Nano)}
	if t.DueAt != nil {
		payload["due_at"] = t.DueAt.Format(time.RFC3339Nano)
	}
	s.pub.Publish(event.New(event.ReminderDue, t.ID, t.OwnerID, st.stamp(s.now()), payload))
	return nil
}

// fireRecurringLocked creates the occurrence instance before advancing
// the series: a failed creation leaves the job pending, the scheduler
// redelivers, and no occurrence is lost.
func (s *Service) fireRecurringLocked(ctx context.Context, st *taskState, rec store.JobRecord) error {
	if rec.Status != store.StatusPending {
		return nil
	}
	t, ok, err := s.store.GetTask(ctx, rec.TaskID)
	if err != nil {
		return err
	}
	if !ok || t.Completed || t.Rule == nil {
		if _, cErr := s.store.MarkCancelled(ctx, rec.JobID); cErr != nil {
			return cErr
		}
		return nil
	}

	instanceID, err := s.tasks.CreateInstance(ctx, t.ID, rec.FireAt)
	if err != nil {
		return fmt.Errorf("create task instance: %w", err)
	}

	won, err := s.store.MarkFired(ctx, rec.JobID)
	if err != nil {
		return err
	}
	if !won {
		// Lost the race to a cancel after the instance was created; the
		// instance stands (at-least-once) but the series does not advance.
		return nil
	}

	if next, nok := t.Rule.After(rec.FireAt); nok {
		s.armJobLocked(ctx, t.ID, store.KindRecurring, next)
	} else {
		s.log.Info("recurrence series exhausted", logx.String("task", t.ID))
	}

	s.pub.Publish(event.New(event.RecurringGenerated, t.ID, t.OwnerID, st.stamp(s.now()), map[string]any{
		"instance_task_id": instanceID,
		"occurrence":       rec.FireAt.Format(time.RFC3339Nano),
	}))
	return nil
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/event"
	"taskpulse/internal/recurrence"
	"taskpulse/internal/scheduler"
	"taskpulse/internal/store"
	"taskpulse/internal/task"
	"taskpulse/pkg/logx"
)

var ErrTaskNotFound = errors.New("task not found")

type Service struct {
	cfgMu sync.Mutex
	cfg   Config

	log   logx.Logger
	store store.Store
	sched scheduler.Scheduler
	pub   Publisher
	tasks TaskAPI

	states *stateStore
	now    func() time.Time
}

func New(cfg Config, st store.Store, sched scheduler.Scheduler, pub Publisher, tasks TaskAPI, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		store:  st,
		sched:  sched,
		pub:    pub,
		tasks:  tasks,
		states: newStateStore(),
		now:    time.Now,
	}
}

// Apply swaps the runtime policy. In-flight operations keep the policy
// they started with.
func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Service) policy() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// OnTaskCreated persists the task and arms its reminder and recurrence
// jobs. The upstream CRUD layer calls it after committing the create.
func (s *Service) OnTaskCreated(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	st := s.states.get(t.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.store.UpsertTask(ctx, t); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	s.armReminderLocked(ctx, t)
	s.armRecurringLocked(ctx, t)
	s.publishLocked(st, event.TaskCreated, t, lifecyclePayload(t))
	return nil
}

// OnTaskUpdated replaces the task's jobs where the scheduling inputs
// changed. Unchanged jobs keep their fire times.
func (s *Service) OnTaskUpdated(ctx context.Context, old, updated task.Task) error {
	if err := updated.Validate(); err != nil {
		return err
	}
	if old.ID != "" && old.ID != updated.ID {
		return fmt.Errorf("%w: task id is immutable", task.ErrInvalidTask)
	}
	st := s.states.get(updated.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.store.UpsertTask(ctx, updated); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	if reminderInputsChanged(old, updated) {
		s.cancelJobLocked(ctx, updated.ID, store.KindReminder)
		s.armReminderLocked(ctx, updated)
	}
	if recurrenceInputsChanged(old, updated) {
		s.cancelJobLocked(ctx, updated.ID, store.KindRecurring)
		s.armRecurringLocked(ctx, updated)
	}
	s.publishLocked(st, event.TaskUpdated, updated, lifecyclePayload(updated))
	return nil
}

// OnTaskCompleted marks the task done and cancels its pending jobs.
func (s *Service) OnTaskCompleted(ctx context.Context, taskID string) error {
	st := s.states.get(taskID)
	st.mu.Lock()
	defer st.mu.Unlock()

	t, ok, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	t.Completed = true
	if err := s.store.UpsertTask(ctx, t); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	s.cancelJobLocked(ctx, taskID, store.KindReminder)
	s.cancelJobLocked(ctx, taskID, store.KindRecurring)
	s.publishLocked(st, event.TaskCompleted, t, nil)
	return nil
}

// OnTaskDeleted cancels the task's jobs and forgets it. Deleting an
// unknown task is a no-op.
func (s *Service) OnTaskDeleted(ctx context.Context, taskID string) error {
	st := s.states.get(taskID)
	st.mu.Lock()
	defer st.mu.Unlock()

	t, ok, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.cancelJobLocked(ctx, taskID, store.KindReminder)
	s.cancelJobLocked(ctx, taskID, store.KindRecurring)
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if ok {
		s.publishLocked(st, event.TaskDeleted, t, nil)
	}
	return nil
}

// armReminderLocked schedules the task's reminder job. A fire time
// already in the past is skipped unless FirePastDue allows an immediate
// fire.
func (s *Service) armReminderLocked(ctx context.Context, t task.Task) {
	if t.Completed || !t.HasReminder() {
		return
	}
	fireAt := t.ReminderFireAt()
	if !fireAt.After(s.now()) && !s.policy().FirePastDue {
		s.log.Debug("reminder fire time already past; skipping", logx.String("task", t.ID), logx.Time("fire_at", fireAt))
		return
	}
	s.armJobLocked(ctx, t.ID, store.KindReminder, fireAt)
}

func (s *Service) armRecurringLocked(ctx context.Context, t task.Task) {
	if t.Completed || t.Rule == nil {
		return
	}
	occ, ok := t.Rule.Next(s.now())
	if !ok {
		s.log.Info("recurrence series exhausted; nothing to arm", logx.String("task", t.ID))
		return
	}
	s.armJobLocked(ctx, t.ID, store.KindRecurring, occ)
}

// armJobLocked persists the job record, then hands it to the scheduler.
// Persist-first means a crash between the two steps leaves a pending
// record that Recover re-arms, never a timer without a record.
func (s *Service) armJobLocked(ctx context.Context, taskID string, kind store.JobKind, fireAt time.Time) {
	jobID := newJobID(kind, taskID)
	rec := store.JobRecord{
		JobID:     jobID,
		TaskID:    taskID,
		Kind:      kind,
		FireAt:    fireAt,
		Status:    store.StatusPending,
		UpdatedAt: s.now(),
	}
	if err := s.store.CreateJob(ctx, rec); err != nil {
		s.log.Error("persist job failed", logx.String("task", taskID), logx.String("kind", string(kind)), logx.Err(err))
		return
	}
	if err := s.sched.Schedule(jobID, fireAt, encodePayload(string(kind), taskID)); err != nil {
		s.log.Error("schedule job failed", logx.String("job", jobID), logx.Time("fire_at", fireAt), logx.Err(err))
		if _, cErr := s.store.MarkCancelled(ctx, jobID); cErr != nil {
			s.log.Error("cancel unschedulable job failed", logx.String("job", jobID), logx.Err(cErr))
		}
		return
	}
	s.log.Debug("job armed", logx.String("job", jobID), logx.String("kind", string(kind)), logx.Time("fire_at", fireAt))
}

// cancelJobLocked withdraws the task's pending job of the given kind,
// in the store first so a concurrent fire loses the pending->fired race.
func (s *Service) cancelJobLocked(ctx context.Context, taskID string, kind store.JobKind) {
	rec, ok, err := s.store.PendingJob(ctx, taskID, kind)
	if err != nil {
		s.log.Error("pending job lookup failed", logx.String("task", taskID), logx.String("kind", string(kind)), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	if _, err := s.store.MarkCancelled(ctx, rec.JobID); err != nil {
		s.log.Error("cancel job failed", logx.String("job", rec.JobID), logx.Err(err))
	}
	if err := s.sched.Cancel(rec.JobID); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
		s.log.Warn("scheduler cancel failed", logx.String("job", rec.JobID), logx.Err(err))
	}
}

func (s *Service) publishLocked(st *taskState, typ event.Type, t task.Task, payload map[string]any) {
	s.pub.Publish(event.New(typ, t.ID, t.OwnerID, st.stamp(s.now()), payload))
}

func lifecyclePayload(t task.Task) map[string]any {
	if t.DueAt == nil {
		return nil
	}
	return map[string]any{"due_at": t.DueAt.Format(time.RFC3339Nano)}
}

func reminderInputsChanged(old, updated task.Task) bool {
	return old.Completed != updated.Completed ||
		old.ReminderOffset != updated.ReminderOffset ||
		!timePtrEqual(old.DueAt, updated.DueAt)
}

func recurrenceInputsChanged(old, updated task.Task) bool {
	return old.Completed != updated.Completed ||
		!ruleEqual(old.Rule, updated.Rule) ||
		!timePtrEqual(old.DueAt, updated.DueAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func ruleEqual(a, b *recurrence.Rule) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Frequency != b.Frequency || a.Interval != b.Interval || a.Count != b.Count || !a.Anchor.Equal(b.Anchor) {
		return false
	}
	if (a.EndAt == nil) != (b.EndAt == nil) {
		return false
	}
	return a.EndAt == nil || a.EndAt.Equal(*b.EndAt)
}

func newJobID(kind store.JobKind, taskID string) string {
	return string(kind) + ":" + taskID + ":" + uuid.NewString()[:8]
}

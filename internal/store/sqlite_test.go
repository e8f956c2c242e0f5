package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskpulse/internal/recurrence"
	"taskpulse/internal/task"
	"taskpulse/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	due := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	in := task.Task{
		ID:             "t1",
		OwnerID:        "alice",
		DueAt:          &due,
		Rule:           &recurrence.Rule{Frequency: recurrence.Monthly, Interval: 1, Anchor: due},
		ReminderOffset: 2 * time.Hour,
		CreatedAt:      time.Now(),
	}
	if err := st.UpsertTask(ctx, in); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	got, ok, err := st.GetTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if got.OwnerID != "alice" || got.ReminderOffset != 2*time.Hour {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Fatalf("due_at = %v, want %v", got.DueAt, due)
	}
	if got.Rule == nil || got.Rule.Frequency != recurrence.Monthly || !got.Rule.Anchor.Equal(due) {
		t.Fatalf("rule = %+v", got.Rule)
	}

	// Upsert marks completion without touching created_at.
	in.Completed = true
	if err := st.UpsertTask(ctx, in); err != nil {
		t.Fatalf("second UpsertTask: %v", err)
	}
	got, _, _ = st.GetTask(ctx, "t1")
	if !got.Completed {
		t.Fatal("completed flag lost")
	}

	if err := st.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, ok, _ := st.GetTask(ctx, "t1"); ok {
		t.Fatal("task should be gone")
	}
}

func TestJobTransitions(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	rec := JobRecord{JobID: "j1", TaskID: "t1", Kind: KindReminder, FireAt: time.Now().Add(time.Hour)}
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, ok, err := st.PendingJob(ctx, "t1", KindReminder)
	if err != nil || !ok {
		t.Fatalf("PendingJob: ok=%v err=%v", ok, err)
	}
	if got.JobID != "j1" || got.Status != StatusPending {
		t.Fatalf("unexpected job: %+v", got)
	}

	won, err := st.MarkFired(ctx, "j1")
	if err != nil || !won {
		t.Fatalf("MarkFired: won=%v err=%v", won, err)
	}
	// Second fire loses: this is the duplicate-delivery dedup.
	won, err = st.MarkFired(ctx, "j1")
	if err != nil || won {
		t.Fatalf("duplicate MarkFired: won=%v err=%v", won, err)
	}
	// Cancel after fire is a no-op, not an error.
	won, err = st.MarkCancelled(ctx, "j1")
	if err != nil || won {
		t.Fatalf("MarkCancelled after fire: won=%v err=%v", won, err)
	}
}

func TestPendingUniquePerTaskKind(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, JobRecord{JobID: "a", TaskID: "t1", Kind: KindReminder, FireAt: time.Now()}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.CreateJob(ctx, JobRecord{JobID: "b", TaskID: "t1", Kind: KindReminder, FireAt: time.Now()}); err == nil {
		t.Fatal("second pending job for same (task, kind) should violate unique index")
	}
	// A different kind for the same task is fine.
	if err := st.CreateJob(ctx, JobRecord{JobID: "c", TaskID: "t1", Kind: KindRecurring, FireAt: time.Now()}); err != nil {
		t.Fatalf("CreateJob other kind: %v", err)
	}
	// After cancelling, a new pending job may be created.
	if _, err := st.MarkCancelled(ctx, "a"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	if err := st.CreateJob(ctx, JobRecord{JobID: "d", TaskID: "t1", Kind: KindReminder, FireAt: time.Now()}); err != nil {
		t.Fatalf("CreateJob after cancel: %v", err)
	}
}

func TestPruneJobs(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	_ = st.CreateJob(ctx, JobRecord{JobID: "old", TaskID: "t1", Kind: KindReminder, FireAt: time.Now()})
	_, _ = st.MarkFired(ctx, "old")
	_ = st.CreateJob(ctx, JobRecord{JobID: "keep", TaskID: "t2", Kind: KindReminder, FireAt: time.Now()})

	// olderThan < 0 makes the cutoff lie in the future, so every
	// non-pending row qualifies.
	n, err := st.PruneJobs(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("PruneJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	if _, ok, _ := st.GetJob(ctx, "keep"); !ok {
		t.Fatal("pending job must survive pruning")
	}
}

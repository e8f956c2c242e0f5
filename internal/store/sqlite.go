package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskpulse/internal/recurrence"
	"taskpulse/internal/task"
	"taskpulse/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store at cfg.Path, creating the schema if
// needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

func (s *sqliteStore) UpsertTask(ctx context.Context, t task.Task) error {
	var ruleJSON any
	if t.Rule != nil {
		b, err := json.Marshal(t.Rule)
		if err != nil {
			return fmt.Errorf("marshal rule: %w", err)
		}
		ruleJSON = string(b)
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, owner_id, due_at, rule, reminder_offset_ms, completed, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id,
		   due_at=excluded.due_at,
		   rule=excluded.rule,
		   reminder_offset_ms=excluded.reminder_offset_ms,
		   completed=excluded.completed`,
		t.ID, t.OwnerID, nullTime(t.DueAt), ruleJSON,
		t.ReminderOffset.Milliseconds(), boolInt(t.Completed),
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (task.Task, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, due_at, rule, reminder_offset_ms, completed, created_at
		 FROM tasks WHERE id = ?`, id)

	var t task.Task
	var dueAt, rule sql.NullString
	var offsetMS int64
	var completed int
	var createdAt string
	err := row.Scan(&t.ID, &t.OwnerID, &dueAt, &rule, &offsetMS, &completed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, err
	}

	if dueAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, dueAt.String)
		if err != nil {
			return task.Task{}, false, fmt.Errorf("task %s: bad due_at: %w", id, err)
		}
		t.DueAt = &ts
	}
	if rule.Valid && rule.String != "" {
		var r recurrence.Rule
		if err := json.Unmarshal([]byte(rule.String), &r); err != nil {
			return task.Task{}, false, fmt.Errorf("task %s: bad rule: %w", id, err)
		}
		t.Rule = &r
	}
	t.ReminderOffset = time.Duration(offsetMS) * time.Millisecond
	t.Completed = completed != 0
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	return t, true, nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// ---- jobs ----

func (s *sqliteStore) CreateJob(ctx context.Context, r JobRecord) error {
	now := time.Now()
	if r.Status == "" {
		r.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, task_id, kind, fire_at, status, updated_at)
		 VALUES(?,?,?,?,?,?)`,
		r.JobID, r.TaskID, string(r.Kind),
		r.FireAt.UTC().Format(time.RFC3339Nano), string(r.Status),
		now.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, task_id, kind, fire_at, status, updated_at FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

func (s *sqliteStore) PendingJob(ctx context.Context, taskID string, kind JobKind) (JobRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, task_id, kind, fire_at, status, updated_at
		 FROM jobs WHERE task_id = ? AND kind = ? AND status = 'pending'`,
		taskID, string(kind))
	return scanJob(row)
}

func (s *sqliteStore) PendingJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, task_id, kind, fire_at, status, updated_at
		 FROM jobs WHERE status = 'pending' ORDER BY fire_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		r, ok, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkFired(ctx context.Context, jobID string) (bool, error) {
	return s.transition(ctx, jobID, StatusFired)
}

func (s *sqliteStore) MarkCancelled(ctx context.Context, jobID string) (bool, error) {
	return s.transition(ctx, jobID, StatusCancelled)
}

func (s *sqliteStore) transition(ctx context.Context, jobID string, to JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ? AND status = 'pending'`,
		string(to), time.Now().UTC().Format(time.RFC3339Nano), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) PruneJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status != 'pending' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, bool, error) {
	var r JobRecord
	var kind, status, fireAt, updatedAt string
	err := row.Scan(&r.JobID, &r.TaskID, &kind, &fireAt, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	r.Kind = JobKind(kind)
	r.Status = JobStatus(status)
	if ts, err := time.Parse(time.RFC3339Nano, fireAt); err == nil {
		r.FireAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		r.UpdatedAt = ts
	}
	return r, true, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package coordinator

import (
	"context"
	"errors"

	"taskpulse/internal/scheduler"
	"taskpulse/pkg/logx"
)

// Recover re-arms every pending job from the store after a restart.
// The scheduler's in-process timers do not survive the process; the job
// records do. Fire times already in the past fire immediately, which
// keeps reminder delivery at-least-once across restarts.
func (s *Service) Recover(ctx context.Context) error {
	jobs, err := s.store.PendingJobs(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, rec := range jobs {
		err := s.sched.Schedule(rec.JobID, rec.FireAt, encodePayload(string(rec.Kind), rec.TaskID))
		if errors.Is(err, scheduler.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			s.log.Error("re-arm failed", logx.String("job", rec.JobID), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("pending jobs re-armed", logx.Int("count", n))
	}
	return nil
}

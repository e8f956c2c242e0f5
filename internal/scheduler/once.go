package scheduler

import (
	"errors"
	"strings"
	"time"

	"taskpulse/pkg/logx"
)

// Schedule arms a one-shot job. A fireAt in the past fires immediately.
// Scheduling an id that is still pending returns ErrAlreadyExists; the
// coordinators always cancel-then-create, so a hit means two writers
// raced on the same job id.
func (s *Service) Schedule(jobID string, fireAt time.Time, payload []byte) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return errors.New("job id required")
	}
	if fireAt.IsZero() {
		return errors.New("fire time required")
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, ok := s.onceAt[jobID]; ok {
		return ErrAlreadyExists
	}

	// Bump version so stale timer callbacks from a cancelled incarnation
	// of this id are ignored.
	ver := s.onceVer[jobID] + 1
	s.onceVer[jobID] = ver
	s.onceAt[jobID] = fireAt
	s.oncePayload[jobID] = payload

	s.armLocked(jobID, fireAt, ver)
	s.log.Debug("job scheduled", logx.String("job", jobID), logx.Time("fire_at", fireAt))
	return nil
}

// Cancel disarms a pending job. Cancelling an id that already fired or
// never existed returns ErrNotFound; callers treat that as success.
func (s *Service) Cancel(jobID string) error {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	found := false
	if t, ok := s.timers[jobID]; ok {
		_ = t.Stop()
		delete(s.timers, jobID)
		found = true
	}
	if _, ok := s.onceAt[jobID]; ok {
		delete(s.onceAt, jobID)
		delete(s.oncePayload, jobID)
		found = true
	}
	if found {
		// Keep the version entry: a timer callback already in flight
		// checks it and bails out.
		s.onceVer[jobID]++
		s.log.Debug("job cancelled", logx.String("job", jobID))
		return nil
	}
	return ErrNotFound
}

// Pending reports whether the job id has an armed definition.
func (s *Service) Pending(jobID string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.onceAt[jobID]
	return ok
}

// armLocked creates the runtime timer for a persisted definition.
// Call with s.tmu held.
func (s *Service) armLocked(jobID string, fireAt time.Time, ver uint64) {
	if t, ok := s.timers[jobID]; ok {
		_ = t.Stop()
		delete(s.timers, jobID)
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	localID := jobID
	localVer := ver
	timer := time.AfterFunc(delay, func() {
		// If the job was cancelled or replaced, ignore this callback.
		s.tmu.Lock()
		curVer := s.onceVer[localID]
		payload := s.oncePayload[localID]
		_, pending := s.onceAt[localID]
		if curVer != localVer || !pending {
			s.tmu.Unlock()
			return
		}
		// Cleanup the persisted definition first (prevents double-arm on
		// restart); delivery dedup beyond this point is the fire
		// handler's job.
		delete(s.timers, localID)
		delete(s.onceAt, localID)
		delete(s.oncePayload, localID)
		delete(s.onceVer, localID)
		s.tmu.Unlock()

		f := fire{jobID: localID, payload: payload, enqueued: time.Now()}
		if !s.enqueue(f) {
			s.deferFire(f)
		}
	})
	s.timers[jobID] = timer
}

// rebuildTimersLocked recreates runtime timers from persisted
// definitions. Call with s.mu held.
func (s *Service) rebuildTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}

	for jobID, fireAt := range s.onceAt {
		ver := s.onceVer[jobID]
		if ver == 0 {
			ver = 1
			s.onceVer[jobID] = ver
		}
		s.armLocked(jobID, fireAt, ver)
	}
}

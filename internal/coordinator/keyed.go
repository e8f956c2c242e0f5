package coordinator

import (
	"sync"
	"time"
)

// taskState carries the per-task lock and the last event timestamp
// handed out under it. States are created on first use and kept for the
// process lifetime; a task id is a handful of bytes and the set of ids
// a single node coordinates is bounded.
type taskState struct {
	mu     sync.Mutex
	lastTS time.Time
}

// stamp returns a timestamp strictly after every timestamp previously
// returned for this task. Callers must hold the task lock.
func (st *taskState) stamp(now time.Time) time.Time {
	if !now.After(st.lastTS) {
		now = st.lastTS.Add(time.Nanosecond)
	}
	st.lastTS = now
	return now
}

type stateStore struct {
	mu     sync.Mutex
	states map[string]*taskState
}

func newStateStore() *stateStore {
	return &stateStore{states: map[string]*taskState{}}
}

func (s *stateStore) get(taskID string) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[taskID]
	if !ok {
		st = &taskState{}
		s.states[taskID] = st
	}
	return st
}

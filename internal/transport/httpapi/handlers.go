package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskpulse/internal/coordinator"
	"taskpulse/internal/event"
	"taskpulse/internal/recurrence"
	"taskpulse/internal/task"
	"taskpulse/pkg/logx"
)

// taskBody is the wire form of a task's scheduling fields. Durations
// are Go duration strings.
type taskBody struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	ReminderOffset string     `json:"reminder_offset,omitempty"`
	Rule           *ruleBody  `json:"rule,omitempty"`
	Completed      bool       `json:"completed,omitempty"`
}

type ruleBody struct {
	Frequency string     `json:"frequency"`
	Interval  int        `json:"interval"`
	Anchor    time.Time  `json:"anchor"`
	EndAt     *time.Time `json:"end_at,omitempty"`
	Count     int        `json:"count,omitempty"`
}

func (b taskBody) toTask() (task.Task, error) {
	t := task.Task{
		ID:        b.ID,
		OwnerID:   b.OwnerID,
		DueAt:     b.DueAt,
		Completed: b.Completed,
		CreatedAt: time.Now(),
	}
	if s := strings.TrimSpace(b.ReminderOffset); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return task.Task{}, fmt.Errorf("reminder_offset: %w", err)
		}
		t.ReminderOffset = d
	}
	if b.Rule != nil {
		t.Rule = &recurrence.Rule{
			Frequency: recurrence.Frequency(b.Rule.Frequency),
			Interval:  b.Rule.Interval,
			Anchor:    b.Rule.Anchor,
			EndAt:     b.Rule.EndAt,
			Count:     b.Rule.Count,
		}
	}
	return t, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Service) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body taskBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := body.toTask()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.coord.OnTaskCreated(r.Context(), t); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, task.ErrInvalidTask) || errors.Is(err, recurrence.ErrInvalidRule) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	old, ok, err := s.reader.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	var body taskBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body.ID = id
	if body.OwnerID == "" {
		body.OwnerID = old.OwnerID
	}
	updated, err := body.toTask()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated.CreatedAt = old.CreatedAt
	if err := s.coord.OnTaskUpdated(r.Context(), old, updated); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, task.ErrInvalidTask) || errors.Is(err, recurrence.ErrInvalidRule) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.OnTaskCompleted(r.Context(), r.PathValue("id")); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrTaskNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.OnTaskDeleted(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFire is the webhook an external trigger service calls when a
// job is due. The in-process scheduler calls the handler directly and
// never goes through here.
func (s *Service) handleFire(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID   string          `json:"job_id"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.JobID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("job_id is required"))
		return
	}
	if err := s.coord.HandleFire(r.Context(), body.JobID, body.Payload); err != nil {
		// Non-2xx asks the caller to redeliver; fire handling is
		// idempotent so a retry is always safe.
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams the owner's events as SSE. ?since backfills
// retained events first; heartbeats go out as SSE comments so proxies
// keep the connection warm. An event broadcast between subscribe and
// the backfill read lands in both, so the live loop drops ids the
// backfill already wrote.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, errors.New("owner is required"))
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("since: %w", err))
			return
		}
		since = t
	}

	conn := s.stream.Subscribe(owner)
	defer s.stream.Unsubscribe(conn)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	sent := make(map[string]struct{})
	for _, ev := range s.stream.Backfill(owner, since) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		sent[ev.ID] = struct{}{}
	}
	fl.Flush()
	conn.Ack(time.Now())

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-conn.Events():
			if !open {
				return
			}
			if _, dup := sent[ev.ID]; dup {
				delete(sent, ev.ID)
				conn.Ack(time.Now())
				continue
			}
			if ev.Type == event.Heartbeat {
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				fl.Flush()
				conn.Ack(time.Now())
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				s.log.Debug("event stream write failed", logx.String("owner", owner), logx.Err(err))
				return
			}
			fl.Flush()
			conn.Ack(time.Now())
		}
	}
}

func writeSSE(w http.ResponseWriter, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

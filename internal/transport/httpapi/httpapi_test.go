package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"taskpulse/internal/event"
	"taskpulse/internal/eventbus"
	"taskpulse/internal/fanout"
	"taskpulse/internal/task"
	"taskpulse/pkg/logx"
)

type fakeCoord struct {
	mu        sync.Mutex
	created   []task.Task
	updated   []task.Task
	completed []string
	deleted   []string
	fired     []string
	err       error
}

func (f *fakeCoord) OnTaskCreated(_ context.Context, t task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, t)
	return nil
}

func (f *fakeCoord) OnTaskUpdated(_ context.Context, _, updated task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, updated)
	return nil
}

func (f *fakeCoord) OnTaskCompleted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeCoord) OnTaskDeleted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCoord) HandleFire(_ context.Context, jobID string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, jobID)
	return nil
}

type fakeReader struct {
	tasks map[string]task.Task
}

func (f *fakeReader) GetTask(_ context.Context, id string) (task.Task, bool, error) {
	t, ok := f.tasks[id]
	return t, ok, nil
}

func newTestAPI(t *testing.T, cfg Config) (*Service, *fakeCoord, *fanout.Service) {
	t.Helper()
	fc := &fakeCoord{}
	fs := fanout.New(fanout.Config{}, eventbus.New(), logx.Nop())
	fs.Start(context.Background())
	t.Cleanup(func() { fs.Stop(context.Background()) })
	due := time.Now().Add(time.Hour)
	reader := &fakeReader{tasks: map[string]task.Task{
		"t1": {ID: "t1", OwnerID: "alice", DueAt: &due, CreatedAt: time.Now()},
	}}
	return New(cfg, fc, reader, fs, logx.Nop()), fc, fs
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	svc, fc, _ := newTestAPI(t, Config{})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	body := `{"id":"t9","owner_id":"alice","due_at":"2026-09-01T10:00:00Z","reminder_offset":"15m"}`
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.created) != 1 || fc.created[0].ID != "t9" || fc.created[0].ReminderOffset != 15*time.Minute {
		t.Fatalf("created = %+v", fc.created)
	}
}

func TestCreateTaskRejectsUnknownField(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestAPI(t, Config{})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", strings.NewReader(`{"id":"x","owner_id":"a","bogus":1}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateTaskLoadsOldState(t *testing.T) {
	t.Parallel()
	svc, fc, _ := newTestAPI(t, Config{})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/v1/tasks/t1", strings.NewReader(`{"due_at":"2026-10-01T10:00:00Z"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.updated) != 1 || fc.updated[0].ID != "t1" || fc.updated[0].OwnerID != "alice" {
		t.Fatalf("updated = %+v", fc.updated)
	}

	req, _ = http.NewRequest(http.MethodPatch, srv.URL+"/v1/tasks/nope", strings.NewReader(`{}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFireHook(t *testing.T) {
	t.Parallel()
	svc, fc, _ := newTestAPI(t, Config{})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/hooks/fire", "application/json", strings.NewReader(`{"job_id":"reminder:t1:abc"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.fired) != 1 || fc.fired[0] != "reminder:t1:abc" {
		t.Fatalf("fired = %v", fc.fired)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestAPI(t, Config{Token: "s3cret"})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/hooks/fire", "application/json", strings.NewReader(`{"job_id":"j1"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/hooks/fire", strings.NewReader(`{"job_id":"j1"}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status with token = %d, want 204", resp.StatusCode)
	}

	// Health stays open for probes.
	hresp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", hresp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	svc, _, fs := newTestAPI(t, Config{})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?owner=alice", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the handler a moment to subscribe before broadcasting.
	time.Sleep(50 * time.Millisecond)
	ev := event.New(event.TaskCreated, "t1", "alice", time.Now(), map[string]any{"k": "v"})
	fs.Broadcast("alice", ev)

	sc := bufio.NewScanner(resp.Body)
	var dataLine string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if dataLine == "" {
		t.Fatalf("no data line received: %v", sc.Err())
	}
	var got event.Event
	if err := json.Unmarshal([]byte(dataLine), &got); err != nil {
		t.Fatalf("decode SSE payload: %v", err)
	}
	if got.ID != ev.ID || got.Type != event.TaskCreated {
		t.Fatalf("got %+v, want %+v", got, ev)
	}
}

// raceStream broadcasts one event between the handler's subscribe and
// its backfill read, putting it in the live queue and the history at
// once. The stream must still deliver it exactly once.
type raceStream struct {
	fs *fanout.Service
	ev event.Event
}

func (r *raceStream) Subscribe(ownerID string) *fanout.Conn {
	c := r.fs.Subscribe(ownerID)
	r.fs.Broadcast(ownerID, r.ev)
	return c
}

func (r *raceStream) Unsubscribe(c *fanout.Conn) { r.fs.Unsubscribe(c) }

func (r *raceStream) Backfill(ownerID string, since time.Time) []event.Event {
	return r.fs.Backfill(ownerID, since)
}

func TestEventStreamNoDuplicateAcrossBackfillBoundary(t *testing.T) {
	t.Parallel()
	fs := fanout.New(fanout.Config{}, eventbus.New(), logx.Nop())
	fs.Start(context.Background())
	t.Cleanup(func() { fs.Stop(context.Background()) })

	ev := event.New(event.TaskUpdated, "t1", "alice", time.Now(), nil)
	svc := New(Config{}, &fakeCoord{}, &fakeReader{}, &raceStream{fs: fs, ev: ev}, logx.Nop())
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := srv.URL + "/v1/events?owner=alice&since=" + time.Now().Add(-time.Minute).Format(time.RFC3339Nano)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Follow with a second event so the read has a clear end point.
	go func() {
		time.Sleep(100 * time.Millisecond)
		fs.Broadcast("alice", event.New(event.TaskCompleted, "t1", "alice", time.Now(), nil))
	}()

	seen := map[string]int{}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var got event.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
			t.Fatalf("decode SSE payload: %v", err)
		}
		seen[got.ID]++
		if got.Type == event.TaskCompleted {
			break
		}
	}
	if seen[ev.ID] != 1 {
		t.Fatalf("boundary event delivered %d times, want exactly once", seen[ev.ID])
	}
}

func TestEventStreamBackfill(t *testing.T) {
	t.Parallel()
	svc, _, fs := newTestAPI(t, Config{})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		fs.Broadcast("alice", event.New(event.TaskUpdated, "t1", "alice", base.Add(time.Duration(i)*time.Minute), nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := srv.URL + "/v1/events?owner=alice&since=" + base.Add(time.Minute).Format(time.RFC3339Nano)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	sc := bufio.NewScanner(resp.Body)
	deadline := time.Now().Add(time.Second)
	events := 0
	for time.Now().Before(deadline) && sc.Scan() {
		buf.WriteString(sc.Text() + "\n")
		if strings.HasPrefix(sc.Text(), "data: ") {
			events++
			if events == 1 {
				break
			}
		}
	}
	if events != 1 {
		t.Fatalf("backfill delivered %d events, want 1 (only the one after since):\n%s", events, buf.String())
	}
}

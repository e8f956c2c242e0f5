// Package httpapi exposes the engine over HTTP: task mutation hooks,
// the scheduler fire webhook, and the per-owner SSE event stream.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskpulse/internal/event"
	"taskpulse/internal/fanout"
	"taskpulse/internal/task"
	"taskpulse/pkg/logx"
)

// Coordinator is the inbound contract to the scheduling engine.
type Coordinator interface {
	OnTaskCreated(ctx context.Context, t task.Task) error
	OnTaskUpdated(ctx context.Context, old, updated task.Task) error
	OnTaskCompleted(ctx context.Context, taskID string) error
	OnTaskDeleted(ctx context.Context, taskID string) error
	HandleFire(ctx context.Context, jobID string, payload []byte) error
}

// TaskReader loads the current task state for update requests.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (task.Task, bool, error)
}

// Stream is the slice of the fan-out service the SSE handler uses.
type Stream interface {
	Subscribe(ownerID string) *fanout.Conn
	Unsubscribe(c *fanout.Conn)
	Backfill(ownerID string, since time.Time) []event.Event
}

// Config controls the HTTP listener.
//
// Security: binding to a non-loopback address without a token is
// refused.
type Config struct {
	Enabled bool
	Addr    string
	Token   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration // keep 0: SSE streams outlive any write timeout
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8750"
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	coord  Coordinator
	reader TaskReader
	stream Stream

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, coord Coordinator, reader TaskReader, stream Stream, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, coord: coord, reader: reader, stream: stream}
}

// Handler builds the route table. Exposed so tests can drive the API
// without a listener.
func (s *Service) Handler() http.Handler {
	token := s.cfg.Token
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/events", wrap(s.handleEvents))
	mux.HandleFunc("POST /v1/hooks/fire", wrap(s.handleFire))
	mux.HandleFunc("POST /v1/tasks", wrap(s.handleCreateTask))
	mux.HandleFunc("PATCH /v1/tasks/{id}", wrap(s.handleUpdateTask))
	mux.HandleFunc("POST /v1/tasks/{id}/complete", wrap(s.handleCompleteTask))
	mux.HandleFunc("DELETE /v1/tasks/{id}", wrap(s.handleDeleteTask))
	return mux
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	running := s.srv != nil
	s.mu.Unlock()

	if !cfg.Enabled || running {
		return
	}

	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("refusing to listen on non-loopback addr without a token", logx.String("addr", cfg.Addr))
		return
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("shutdown error", logx.Err(err))
	}

	s.mu.Lock()
	s.stopDone = nil
	s.mu.Unlock()
	close(done)
	s.log.Info("http api stopped")
}

// Addr reports the actual listen address if running (useful when the
// config asked for port 0).
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	want := []byte("Bearer " + token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

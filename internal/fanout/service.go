package fanout

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/event"
	"taskpulse/internal/eventbus"
	"taskpulse/pkg/logx"
)

type Config struct {
	QueueSize         int           // per connection
	HistorySize       int           // retained events per owner for backfill
	HeartbeatInterval time.Duration // dead after 2x without an Ack
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	// A full queue must still fit a GAP marker plus the event that
	// displaced it; Conn.send relies on this to never block.
	if c.QueueSize < 2 {
		c.QueueSize = 2
	}
	if c.HistorySize < 0 {
		c.HistorySize = 0
	}
	if c.HistorySize == 0 {
		c.HistorySize = 100
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Service owns the connection registry and feeds it from the broker
// stream.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	bus eventbus.Bus
	reg *registry

	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
	unsub    func()
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		reg: newRegistry(cfg.HistorySize),
	}
}

// HeartbeatInterval exposes the configured interval so the app can
// register the heartbeat tick on the scheduler.
func (s *Service) HeartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.HeartbeatInterval
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	ch, unsub := s.bus.Subscribe(256)
	s.unsub = unsub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in fanout worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				s.Broadcast(m.Event.OwnerID, m.Event)
			}
		}
	}()
	s.log.Info("service started", logx.Int("queue_size", s.cfg.QueueSize), logx.Duration("heartbeat", s.cfg.HeartbeatInterval))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
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
	stopCh := s.stopCh
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	close(stopCh)
	if unsub != nil {
		unsub()
	}

	// Tear down every live connection; their consumers see a closed
	// channel and finish their streams.
	for _, c := range s.reg.all() {
		if s.reg.remove(c) {
			c.close()
		}
	}

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Subscribe registers a new connection for the owner.
func (s *Service) Subscribe(ownerID string) *Conn {
	c := newConn(ownerID, s.cfg.QueueSize, time.Now())
	s.reg.add(c)
	s.log.Debug("connection opened", logx.String("conn", c.id), logx.String("owner", ownerID))
	return c
}

// Unsubscribe removes and closes the connection. Safe to call twice.
func (s *Service) Unsubscribe(c *Conn) {
	if c == nil {
		return
	}
	if s.reg.remove(c) {
		c.close()
		s.log.Debug("connection closed", logx.String("conn", c.id), logx.String("owner", c.ownerID), logx.Int64("dropped", int64(c.Dropped())))
	}
}

// Broadcast delivers the event to every connection of the owner, and to
// nobody else.
func (s *Service) Broadcast(ownerID string, ev event.Event) {
	if ownerID == "" {
		return
	}
	s.reg.recordHistory(ownerID, ev)
	for _, c := range s.reg.forOwner(ownerID) {
		c.send(ev)
	}
}

// Backfill returns retained events for the owner newer than since.
func (s *Service) Backfill(ownerID string, since time.Time) []event.Event {
	return s.reg.backfill(ownerID, since)
}

// HeartbeatOnce queues a keep-alive marker on every connection. The app
// registers it as a scheduler maintenance interval.
func (s *Service) HeartbeatOnce(ctx context.Context) {
	now := time.Now()
	for _, c := range s.reg.all() {
		c.sendHeartbeat(event.Event{
			ID:        uuid.NewString(),
			Type:      event.Heartbeat,
			OwnerID:   c.ownerID,
			Timestamp: now,
		})
	}
}

// SweepStale removes connections without a successful write for twice
// the heartbeat interval. Other connections of the same owner are
// unaffected.
func (s *Service) SweepStale(ctx context.Context) {
	s.mu.Lock()
	deadAfter := 2 * s.cfg.HeartbeatInterval
	s.mu.Unlock()

	now := time.Now()
	for _, c := range s.reg.all() {
		if now.Sub(c.lastAckTime()) <= deadAfter {
			continue
		}
		if s.reg.remove(c) {
			c.close()
			s.log.Info("stale connection removed", logx.String("conn", c.id), logx.String("owner", c.ownerID), logx.Time("last_ack", c.lastAckTime()), logx.Int64("dropped", int64(c.Dropped())))
		}
	}
}

// ConnCount reports the number of live connections (for logs and tests).
func (s *Service) ConnCount() int { return s.reg.connCount() }

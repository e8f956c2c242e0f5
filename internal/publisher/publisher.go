// Package publisher pushes lifecycle events to the broker.
//
// Publication is advisory: it never blocks or fails the task mutation
// that produced the event. Transient broker failures are retried a
// bounded number of times with backoff, then the event is logged and
// dropped.
package publisher

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskpulse/internal/event"
	"taskpulse/internal/eventbus"
	"taskpulse/pkg/logx"
)

// Broker is the outbound transport contract.
type Broker interface {
	Publish(ctx context.Context, topic string, ev event.Event) error
}

type Config struct {
	Workers     int
	QueueSize   int // per worker
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 100
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 // 3 attempts total
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	return c
}

type item struct {
	topic string
	ev    event.Event
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	broker  Broker
	limiter *rate.Limiter

	// One queue per worker; items are routed by task id so events of the
	// same task are published in the order the coordinators emitted them.
	queues []chan item

	stopCh   chan struct{}
	stopDone chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, broker Broker, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		broker:  broker,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
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
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	s.queues = make([]chan item, workers)
	for i := range s.queues {
		s.queues[i] = make(chan item, s.cfg.QueueSize)
	}

	runCtx := s.runCtx
	stopCh := s.stopCh
	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		queue := s.queues[i]
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in publisher worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("service started", logx.Int("workers", workers), logx.Int("rps", s.cfg.RatePerSec))
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
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queues = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Publish enqueues the event for its type's topic. It never blocks; if
// the routed queue is full the event is dropped with a warning.
func (s *Service) Publish(ev event.Event) {
	s.PublishTo(event.TopicFor(ev.Type), ev)
}

// PublishTo enqueues the event for an explicit topic.
func (s *Service) PublishTo(topic string, ev event.Event) {
	s.mu.Lock()
	queues := s.queues
	s.mu.Unlock()
	if len(queues) == 0 {
		s.log.Debug("publisher not running; dropping event", logx.String("topic", topic), logx.String("task", ev.TaskID))
		return
	}
	q := queues[shardFor(ev.TaskID, len(queues))]
	select {
	case q <- item{topic: topic, ev: ev}:
	default:
		s.log.Warn("publish queue full; dropping event", logx.String("topic", topic), logx.String("task", ev.TaskID), logx.String("type", string(ev.Type)))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case it := <-queue:
			s.publishOne(ctx, it)
		}
	}
}

func (s *Service) publishOne(ctx context.Context, it item) {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	cfg := s.cfg
	broker := s.broker
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	var last error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		err := broker.Publish(callCtx, it.topic, it.ev)
		cancel()
		if err == nil {
			return
		}
		last = err
		if attempt == cfg.RetryMax {
			break
		}
		delay := cfg.RetryBase << attempt
		s.log.Debug("publish retry scheduled", logx.String("topic", it.topic), logx.String("event", it.ev.ID), logx.Int("attempt", attempt+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-tmr.C:
		}
	}
	// Events are advisory: exhausting retries drops the event, it never
	// surfaces to the mutation that produced it.
	s.log.Warn("publish failed; dropping event", logx.String("topic", it.topic), logx.String("event", it.ev.ID), logx.String("task", it.ev.TaskID), logx.Err(last))
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// BusBroker adapts the in-process event bus to the Broker contract.
type BusBroker struct {
	bus eventbus.Bus
}

func NewBusBroker(bus eventbus.Bus) *BusBroker { return &BusBroker{bus: bus} }

func (b *BusBroker) Publish(_ context.Context, topic string, ev event.Event) error {
	b.bus.Publish(eventbus.Message{Topic: topic, Event: ev})
	return nil
}

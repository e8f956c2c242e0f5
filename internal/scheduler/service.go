package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"taskpulse/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:      map[string]*time.Timer{},
		onceAt:      map[string]time.Time{},
		oncePayload: map[string][]byte{},
		onceVer:     map[string]uint64{},
	}
}

// SetHandler installs the fire handler. Must be called before Start.
func (s *Service) SetHandler(h FireHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	// Worker pool resizing requires a restart; fire/retry knobs take
	// effect immediately.
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents
	// double worker pools).
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
			// loop and try again
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	// Fresh queue per run to avoid executing stale fires after a
	// stop/start toggle.
	s.queue = make(chan fire, s.cfg.QueueSize)

	s.c = cron.New(cron.WithParser(s.parser))
	for i := range s.defs {
		s.addMaintenanceLocked(&s.defs[i])
	}

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduler worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.c.Start()
	s.rebuildTimersLocked()
	s.log.Info("service started", logx.Int("workers", workers), logx.Int("pending_jobs", len(s.onceAt)), logx.Int("maintenance", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	// Stop runtime timers; definitions stay so jobs resume on next Start.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	// Finalize cleanup in background so Stop() can return on timeout safely.
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
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

// AddInterval registers a periodic maintenance job.
func (s *Service) AddInterval(name string, every time.Duration, job func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := maintenanceDef{name: name, spec: "@every " + every.String(), job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addMaintenanceLocked(&s.defs[len(s.defs)-1])
	}
}

func (s *Service) addMaintenanceLocked(d *maintenanceDef) {
	name := d.name
	job := d.job
	eid, err := s.c.AddFunc(d.spec, func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in maintenance job", logx.String("job", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		job(ctx)
	})
	if err != nil {
		s.log.Error("maintenance register failed", logx.String("job", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
	s.log.Debug("maintenance registered", logx.String("job", d.name), logx.String("spec", d.spec))
}

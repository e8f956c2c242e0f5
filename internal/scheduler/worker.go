package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"taskpulse/pkg/logx"
)

// enqueue hands a fire to the worker pool. It reports false when the
// service is not running; the caller re-persists the definition so the
// fire is re-armed on the next Start instead of being lost.
func (s *Service) enqueue(f fire) bool {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; deferring fire", logx.String("job", f.jobID))
		return false
	}
	select {
	case q <- f:
		return true
	default:
		s.log.Warn("fire queue full; deferring fire", logx.String("job", f.jobID), logx.Int("queue_cap", cap(q)))
		return false
	}
}

// deferFire re-persists a fire that could not be enqueued. The
// definition is already due, so the next Start re-arms it with zero
// delay.
func (s *Service) deferFire(f fire) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, ok := s.onceAt[f.jobID]; ok {
		// A newer incarnation of the id exists; the old fire is obsolete.
		return
	}
	ver := s.onceVer[f.jobID] + 1
	s.onceVer[f.jobID] = ver
	s.onceAt[f.jobID] = time.Now()
	s.oncePayload[f.jobID] = f.payload
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan fire) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
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
		case f := <-queue:
			s.dispatch(ctx, stopCh, f)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, stopCh <-chan struct{}, f fire) {
	s.mu.Lock()
	cfg := s.cfg
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		s.log.Error("fire dropped: no handler installed", logx.String("job", f.jobID))
		return
	}

	start := time.Now()
	var err error
	maxAttempts := 1 + cfg.RetryMax
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		// Per-attempt timeout (so a timed-out first attempt doesn't
		// poison retries).
		runCtx := ctx
		var cancel func()
		if cfg.FireTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, cfg.FireTimeout)
		}
		err = handler(runCtx, f.jobID, f.payload)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		s.log.Debug("fire retry scheduled", logx.String("job", f.jobID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			break attemptLoop
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	if err != nil {
		s.log.Warn("fire handling failed", logx.String("job", f.jobID), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
		return
	}
	s.log.Debug("fire handled", logx.String("job", f.jobID), logx.Int("attempts", attempts), logx.Duration("dur", dur))
}

func backoffDelay(cfg Config, retry int) time.Duration {
	// retry starts at 1 (first retry)
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// jitter [0.8, 1.2]
	r := (randFloat64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

var rngMu sync.Mutex

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rand.Float64()
}

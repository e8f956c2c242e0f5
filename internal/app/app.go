// Package app assembles the engine: config, logging, store, scheduler,
// coordinators, publisher, fan-out and the HTTP API, with hot reload
// and systemd readiness/watchdog integration.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskpulse/internal/config"
	"taskpulse/internal/coordinator"
	"taskpulse/internal/eventbus"
	"taskpulse/internal/fanout"
	"taskpulse/internal/publisher"
	"taskpulse/internal/scheduler"
	"taskpulse/internal/store"
	"taskpulse/internal/transport/httpapi"
	"taskpulse/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	store store.Store
	bus   eventbus.Bus
	pub   *publisher.Service
	fan   *fanout.Service
	sched *scheduler.Service
	coord *coordinator.Service
	api   *httpapi.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	schedCfg, err := buildSchedulerConfig(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	pubCfg, err := buildPublisherConfig(cfg.Publisher)
	if err != nil {
		return nil, err
	}
	fanCfg, err := buildFanoutConfig(cfg.Fanout)
	if err != nil {
		return nil, err
	}
	apiCfg, err := buildHTTPConfig(cfg.HTTP)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	pub := publisher.New(pubCfg, publisher.NewBusBroker(bus), log.With(logx.String("comp", "publisher")))
	fan := fanout.New(fanCfg, bus, log.With(logx.String("comp", "fanout")))
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))

	factory := &instanceFactory{store: st}
	coord := coordinator.New(coordinator.Config{FirePastDue: cfg.Reminders.FirePastDue},
		st, sched, pub, factory, log.With(logx.String("comp", "coordinator")))
	factory.bind(coord)

	api := httpapi.New(apiCfg, coord, st, fan, log.With(logx.String("comp", "httpapi")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		store:   st,
		bus:     bus,
		pub:     pub,
		fan:     fan,
		sched:   sched,
		coord:   coord,
		api:     api,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.sched.SetHandler(a.coord.HandleFire)
	a.pub.Start(runCtx)
	a.fan.Start(runCtx)
	a.sched.Start(runCtx)

	if err := a.coord.Recover(runCtx); err != nil {
		a.log.Error("recovering pending jobs failed", logx.Err(err))
	}

	a.registerMaintenance()
	a.api.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.notifySystemd(runCtx)
	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}

	a.api.Stop(ctx)
	a.fan.Stop(ctx)
	a.pub.Stop(ctx)
	a.sched.Stop(ctx)

	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// registerMaintenance wires the periodic sweeps onto the scheduler's
// cron runner.
func (a *App) registerMaintenance() {
	cfg := a.cfgm.Get()
	pruneAfter, _ := config.ParseDurationOrDefault("storage.prune_after", cfg.Storage.PruneAfter, 7*24*time.Hour)
	a.sched.AddInterval("store.prune", time.Hour, func(ctx context.Context) {
		n, err := a.store.PruneJobs(ctx, pruneAfter)
		if err != nil {
			a.log.Warn("job prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Debug("job records pruned", logx.Int64("count", n))
		}
	})

	hb := a.fan.HeartbeatInterval()
	a.sched.AddInterval("fanout.heartbeat", hb, a.fan.HeartbeatOnce)
	a.sched.AddInterval("fanout.sweep", hb, a.fan.SweepStale)
}

// reloadLoop re-applies runtime-adjustable sections after a hot reload.
// Storage and HTTP listener changes need a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if schedCfg, err := buildSchedulerConfig(cfg.Scheduler); err == nil {
		a.sched.Apply(schedCfg)
	}
	if pubCfg, err := buildPublisherConfig(cfg.Publisher); err == nil {
		a.pub.Apply(pubCfg)
	}
	a.coord.Apply(coordinator.Config{FirePastDue: cfg.Reminders.FirePastDue})
	a.log.Info("config applied")
}

// notifySystemd reports readiness and feeds the watchdog when the
// process runs under systemd. Outside systemd both calls are no-ops.
func (a *App) notifySystemd(ctx context.Context) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

// Package app is the composition root: it builds the store, cache, engines,
// notifier, and HTTP server from a Config and runs them until the context
// ends.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leafcheck/internal/api"
	"leafcheck/internal/batch"
	"leafcheck/internal/cache"
	"leafcheck/internal/config"
	"leafcheck/internal/eventbus"
	"leafcheck/internal/leaflow"
	"leafcheck/internal/notify"
	"leafcheck/internal/scheduler"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

type App struct {
	cfg     *config.Config
	cfgPath string

	evmu     sync.Mutex
	evCounts map[string]uint64

	logSvc *logx.Service
	log    logx.Logger

	store    storage.Store
	accounts *cache.Accounts
	bus      eventbus.Bus
	client   *leaflow.Client
	notifier *notify.Service
	sched    *scheduler.Service
	batch    *batch.Engine
	server   *api.Server
}

// New builds the full dependency graph. Nothing starts running yet.
func New(cfg *config.Config, cfgPath string) (*App, error) {
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	accounts := cache.New(store, log)
	client := leaflow.NewClient(cfg.Remote, log)
	notifier := notify.New(cfg.Notify, store, log, bus)
	sched := scheduler.New(cfg.Checkin, cfg.Location(), store, accounts,
		client, notifier, bus, log)
	engine := batch.New(cfg.Batch, store, client, bus, log)

	a := &App{
		cfg:      cfg,
		cfgPath:  cfgPath,
		evCounts: map[string]uint64{},
		logSvc:   logSvc,
		log:      log.With(logx.String("svc", "app")),
		store:    store,
		accounts: accounts,
		bus:      bus,
		client:   client,
		notifier: notifier,
		sched:    sched,
		batch:    engine,
	}
	a.server = api.NewServer(*cfg, store, accounts, sched, engine, notifier, a.eventSnapshot, log)
	return a, nil
}

func (a *App) eventSnapshot() map[string]uint64 {
	a.evmu.Lock()
	defer a.evmu.Unlock()
	out := make(map[string]uint64, len(a.evCounts))
	for k, v := range a.evCounts {
		out[k] = v
	}
	return out
}

// Run starts everything and blocks until ctx is canceled or the HTTP server
// fails. Shutdown is ordered: HTTP first (no new triggers), then the engines,
// then the notifier so queued outcome messages drain, then storage.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting",
		logx.String("listen", a.cfg.Listen),
		logx.String("timezone", a.cfg.Timezone),
		logx.String("storage", a.cfg.Storage.Driver))

	a.notifier.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.batch.Start(ctx); err != nil {
		return fmt.Errorf("start batch engine: %w", err)
	}

	a.watchEvents(ctx)
	go a.watchConfig(ctx)

	srvErr := a.server.Start()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-srvErr:
		if ok && err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	a.log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.server.Stop(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	a.sched.Stop(ctx)
	a.batch.Stop(ctx)
	a.notifier.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	_ = a.logSvc.Close()
}

// watchConfig re-applies runtime-tunable blocks when the config file changes.
// Structural settings (listen address, storage driver, timezone) need a
// restart and are deliberately not re-applied.
func (a *App) watchConfig(ctx context.Context) {
	if a.cfgPath == "" {
		return
	}
	err := config.Watch(ctx, a.cfgPath, a.log, func(cfg *config.Config) {
		a.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
		a.sched.Apply(cfg.Checkin)
		a.batch.Apply(cfg.Batch)
		a.notifier.Apply(cfg.Notify)
	})
	if err != nil && ctx.Err() == nil {
		a.log.Warn("config watcher stopped", logx.Err(err))
	}
}

// watchEvents drains the bus into the debug log and tallies per-type counts
// for the status endpoint.
func (a *App) watchEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				a.evmu.Lock()
				a.evCounts[ev.Type]++
				a.evmu.Unlock()
				a.log.Debug("event",
					logx.String("type", ev.Type),
					logx.Time("at", ev.Time),
					logx.Any("data", ev.Data))
			}
		}
	}()
}

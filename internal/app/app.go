// Package app wires storage, the registry, the delivery pipeline, ingestion,
// and the transport into one runnable engine.
package app

import (
	"context"
	"time"

	"cadence/internal/batch"
	"cadence/internal/config"
	"cadence/internal/delivery"
	"cadence/internal/dispatch"
	"cadence/internal/eventbus"
	"cadence/internal/generate"
	"cadence/internal/ingest"
	"cadence/internal/linkage"
	"cadence/internal/registry"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/store"
	"cadence/internal/streak"
	"cadence/internal/transport"
	"cadence/internal/transport/telegram"
	"cadence/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   *store.Store

	adapter  transport.Adapter
	queue    *dispatch.Queue
	linker   *linkage.Linker
	streaks  *streak.Tracker
	pipeline *delivery.Pipeline
	reg      *registry.Registry
	ingester *ingest.Service
	analyzer ingest.Analyzer
	iter     *batch.Iterator

	resyncEvery  time.Duration
	resyncChange chan time.Duration
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	queue := dispatch.New(dispCfg, adapter, log.With(logx.String("comp", "dispatch")))

	linker := linkage.New(st, log.With(logx.String("comp", "linkage")), bus)
	streaks := streak.NewTracker(st, log.With(logx.String("comp", "streak")), bus)

	genCfg, err := mapGenerateConfig(cfg)
	if err != nil {
		return nil, err
	}
	gen := generate.New(genCfg, log.With(logx.String("comp", "generate")))

	pipeline := delivery.New(mapDeliveryConfig(cfg), st, linker, gen, queue, streaks, bus,
		log.With(logx.String("comp", "delivery")))

	reg := registry.New(st, pipeline, bus, log.With(logx.String("comp", "registry")))

	ingCfg, err := mapIngestConfig(cfg)
	if err != nil {
		return nil, err
	}
	analyzer := ingest.NewHeuristicAnalyzer()
	ingester := ingest.New(ingCfg, st, linker, analyzer, log.With(logx.String("comp", "ingest")))

	resyncEvery, err := config.Duration("registry.resync_every", cfg.Registry.ResyncEvery, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	iter := batch.New(st, cfg.Registry.PageSize, log.With(logx.String("comp", "batch")))

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		st:           st,
		adapter:      adapter,
		queue:        queue,
		linker:       linker,
		streaks:      streaks,
		pipeline:     pipeline,
		reg:          reg,
		ingester:     ingester,
		analyzer:     analyzer,
		iter:         iter,
		resyncEvery:  resyncEvery,
		resyncChange: make(chan time.Duration, 1),
	}, nil
}

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.ingester.Updates()); err != nil {
		return err
	}

	a.reg.Start(a.sup.Context())

	// Bring every registered schedule live before the first resync tick.
	if n, err := a.Resync(a.sup.Context()); err != nil {
		a.log.Warn("initial resync incomplete", logx.Int("synced", n), logx.Any("err", err))
	} else {
		a.log.Info("schedules registered", logx.Int("owners", n))
	}

	a.sup.GoRestart("ingest.run", a.ingester.Run)

	a.sup.Go0("registry.resync", func(c context.Context) {
		ticker := time.NewTicker(a.resyncEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case every := <-a.resyncChange:
				ticker.Reset(every)
			case <-ticker.C:
				if _, err := a.Resync(c); err != nil {
					a.log.Warn("periodic resync failed", logx.Any("err", err))
				}
			}
		}
	})

	// Event log tap, debug-level to stay quiet under frequent fires.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	// Config hot-reload fanout.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable sections. Storage and transport
// changes need a restart and are logged as such.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if dispCfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Any("err", err))
	} else {
		a.queue.Apply(dispCfg)
	}

	if every, err := config.Duration("registry.resync_every", cfg.Registry.ResyncEvery, 15*time.Minute); err == nil {
		select {
		case a.resyncChange <- every:
		default:
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Stop ticking first so no new fires start, then unwind background loops,
	// then close storage.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil && stepCtx.Err() == nil {
			a.log.Warn("stop step failed", logx.String("name", name), logx.Any("err", err))
		} else if stepCtx.Err() != nil {
			a.log.Warn("stop step timed out", logx.String("name", name))
		}
	}

	step("registry", 10*time.Second, a.reg.Stop)
	a.sup.Cancel()
	step("adapter", 5*time.Second, a.adapter.Stop)
	step("supervisor", 10*time.Second, a.sup.Wait)
	step("store", 5*time.Second, func(context.Context) error { return a.st.Close() })
	_ = a.logs.Close()

	a.log.Info("stopped")
	return nil
}

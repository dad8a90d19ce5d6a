package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"endpointq/internal/config"
	"endpointq/internal/dispatch"
	"endpointq/internal/eventbus"
	"endpointq/internal/history"
	"endpointq/internal/metrics"
	"endpointq/internal/registry"
	"endpointq/internal/runtime/supervisor"
	"endpointq/internal/snapshot"
	"endpointq/internal/storage"
	"endpointq/pkg/logx"
)

// exportInterval is how often the prometheus exporter polls queue stats.
const exportInterval = 10 * time.Second

// App wires the config manager, event bus, storage, queue registry,
// dispatch facade and the observability services into one lifecycle.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	reg    *registry.Registry
	disp   *dispatch.Service
	hist   *history.Service
	histOn bool

	exporter *metrics.Exporter
	server   *metrics.Service
	snap     *snapshot.Service

	sup *supervisor.Supervisor
}

// NewApp loads and validates the config at cfgPath and constructs every
// component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	fail := func(err error) (*App, error) {
		logs.Close()
		return nil, err
	}

	bus := eventbus.New()

	scfg, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(err)
	}

	regCfg, err := mapRegistryConfig(cfg)
	if err != nil {
		return fail(err)
	}
	reg := registry.New(regCfg, log.With(logx.String("comp", "registry")), bus)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	disp := dispatch.New(dcfg, reg, log.With(logx.String("comp", "dispatch")))

	hcfg, histOn := mapHistoryConfig(cfg.History)
	hist := history.New(hcfg, bus, store, log.With(logx.String("comp", "history")))

	promReg := prom.NewRegistry()
	exporter, err := metrics.NewExporter("endpointq", promReg, reg, bus, exportInterval)
	if err != nil {
		return fail(err)
	}

	mcfg, err := mapMetricsConfig(cfg.Metrics)
	if err != nil {
		return fail(err)
	}
	server := metrics.NewServer(mcfg, reg, hist, promReg, log.With(logx.String("comp", "metrics")))

	var snap *snapshot.Service
	if sched, on := snapshotSchedule(cfg.Snapshot); on {
		if store == nil {
			log.Warn("snapshot enabled but storage is not; snapshots disabled")
		} else {
			snap = snapshot.New(sched, reg, store, log.With(logx.String("comp", "snapshot")))
		}
	}

	return &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		bus:      bus,
		store:    store,
		reg:      reg,
		disp:     disp,
		hist:     hist,
		histOn:   histOn,
		exporter: exporter,
		server:   server,
		snap:     snap,
	}, nil
}

// Dispatch returns the submission facade.
func (a *App) Dispatch() *dispatch.Service { return a.disp }

// Registry returns the per-endpoint processor registry.
func (a *App) Registry() *registry.Registry { return a.reg }

// History returns the finished-task record keeper.
func (a *App) History() *history.Service { return a.hist }

// Config returns the last committed configuration.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Err reports the first fatal error from a supervised goroutine.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if a.histOn {
		a.hist.Start()
	}
	a.exporter.Start(a.sup.Context())
	if a.server.Enabled() {
		a.server.Start(a.sup.Context())
	}
	if a.snap != nil {
		if err := a.snap.Start(); err != nil {
			return err
		}
	}

	// Log task lifecycle events for observability/debug.
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
				// Keep this debug-level to avoid noise on busy endpoints.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, newCfg, sections)

				// Keep the final log line concise (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	// Restart-on-error: a failed fsnotify init (fd limits, etc.) retries
	// with backoff instead of killing the watch for the process lifetime.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload routes a committed config update to the live components.
// Storage, snapshot scheduling and the history ring size are fixed at
// startup; changes there get a restart warning instead.
func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage", "snapshot", "history":
			a.log.Warn("config change requires restart to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg.Logging))

	if dcfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	// Existing processors keep their settings; the new config shapes
	// endpoints resolved from here on.
	if regCfg, err := mapRegistryConfig(cfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.reg.Apply(regCfg)
	}

	if mcfg, err := mapMetricsConfig(cfg.Metrics); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, mcfg)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop serving reads first, then persist a final stats snapshot while
	// the registry is still alive, then drain the queues.
	step("metrics.server", 2*time.Second, func(c context.Context) error {
		a.server.Stop(c)
		return nil
	})
	step("snapshot", 3*time.Second, func(c context.Context) error {
		if a.snap != nil {
			a.snap.Flush()
			a.snap.Stop(c)
		}
		return nil
	})

	// Registry close drains in-flight work and resolves queued tasks, so
	// history must still be consuming the bus here.
	step("registry", 15*time.Second, func(c context.Context) error { return a.reg.Close(c) })

	step("metrics.exporter", 1*time.Second, func(context.Context) error {
		a.exporter.Stop()
		return nil
	})
	step("history", 2*time.Second, func(context.Context) error {
		a.hist.Stop()
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, bus logger).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

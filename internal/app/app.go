// Package app wires configuration, storage, the engine and the operator
// surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"postpilot/internal/config"
	"postpilot/internal/engine"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/notifier"
	"postpilot/internal/observability"
	"postpilot/internal/platform"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Options tune NewApp.
type Options struct {
	// Inline runs deliveries on the loop goroutine. One-shot commands use it.
	Inline bool
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	adapters *adapterSwitch
	engine   *engine.Engine
	notif    *notifier.Service
	obs      *observability.Server
}

// adapterSwitch lets a config reload replace the platform registry under a
// running engine.
type adapterSwitch struct {
	cur atomic.Pointer[platform.Registry]
}

func (s *adapterSwitch) Publish(ctx context.Context, p string, c platform.Content) (string, error) {
	return s.cur.Load().Publish(ctx, p, c)
}

func NewApp(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, comp("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.Bool("auto_migrate", sc.AutoMigrate))

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ncfg, tg, _ := mapNotifierConfig(cfg)
	sinks := []notifier.Sink{notifier.LogSink{Log: comp("alerts")}}
	if tg != nil {
		ts, err := notifier.NewTelegramSink(*tg)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks = append(sinks, ts)
	}
	notif := notifier.New(ncfg, sinks, comp("notifier"), bus, store)

	adapters, _ := buildAdapters(cfg)
	sw := &adapterSwitch{}
	sw.cur.Store(adapters)

	ecfg, _ := mapEngineConfig(cfg)
	eopts := []engine.Option{
		engine.WithLogger(comp("engine")),
		engine.WithNotifier(notif),
		engine.WithMetrics(m),
		engine.WithBus(bus),
	}
	if opts.Inline {
		eopts = append(eopts, engine.WithInlineDelivery())
	}
	eng, err := engine.New(ecfg, store, sw, eopts...)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      comp("app"),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		reg:      reg,
		adapters: sw,
		engine:   eng,
		notif:    notif,
	}
	m.GaugeFunc("goroutine_restarts", "Supervised goroutine restarts since start.", a.restarts)
	ocfg, _ := mapObservabilityConfig(cfg)
	a.obs = observability.New(ocfg, reg, a.health, comp("observability"))
	return a, nil
}

func (a *App) Engine() *engine.Engine { return a.engine }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Registry() *prometheus.Registry { return a.reg }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// health probes the store with a lookup that is expected to miss, and
// reports a fatal supervisor error once one occurred.
func (a *App) health(ctx context.Context) map[string]error {
	_, err := a.store.GetPost(ctx, "00000000-0000-0000-0000-000000000000")
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	out := map[string]error{"store": err}
	if a.sup != nil {
		out["app"] = a.sup.Err()
	}
	return out
}

// restarts sums goroutine restarts across the long-running supervisors.
func (a *App) restarts() float64 {
	var n uint64
	for _, sup := range []*rtsup.Supervisor{a.sup, a.engine.Supervisor(), a.notif.Supervisor()} {
		for _, g := range sup.Snapshot().Goroutines {
			n += g.Restarts
		}
	}
	return float64(n)
}

// Healthy reports whether every component probe passes.
func (a *App) Healthy(ctx context.Context) bool {
	for _, err := range a.health(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// Migrate applies pending schema migrations for the store configured in
// cfgPath and returns the resulting version.
func Migrate(ctx context.Context, cfgPath string) (uint, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return 0, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return 0, err
	}
	return storage.Migrate(ctx, sc)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	a.notif.Start(a.sup.Context())
	a.engine.Start(a.sup.Context())
	a.obs.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig fans a validated reload out to the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if reg, err := buildAdapters(next); err != nil {
		a.log.Warn("invalid platforms config; keeping previous", logx.Err(err))
	} else {
		a.adapters.cur.Store(reg)
	}

	if ecfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else if err := a.engine.Apply(ctx, ecfg); err != nil {
		a.log.Warn("engine reconfigure failed", logx.Err(err))
	}

	if ncfg, tg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else if slices.Contains(sections, "notifier") {
		sinks := []notifier.Sink{notifier.LogSink{Log: a.log.With(logx.String("comp", "alerts"))}}
		if tg != nil {
			if ts, err := notifier.NewTelegramSink(*tg); err != nil {
				a.log.Warn("telegram sink disabled", logx.Err(err))
			} else {
				sinks = append(sinks, ts)
			}
		}
		a.notif.SetSinks(sinks)
		// Worker count and queue size only change on restart.
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.notif.Apply(ncfg)
		a.notif.Start(ctx)
	}

	if ocfg, err := mapObservabilityConfig(next); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(ctx, ocfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Each step is bounded so one component cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Loops first so nothing new is claimed, then drain deliveries.
	step("engine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

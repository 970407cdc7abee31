// Package engine is the facade the API layer and the CLI talk to. It owns the
// publisher, scheduler, retry queue, breakers, delivery pool and the periodic
// loops, and wires them into one running system.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/breaker"
	"postpilot/internal/clock"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/notifier"
	"postpilot/internal/platform"
	"postpilot/internal/publisher"
	"postpilot/internal/retry"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/scheduler"
	"postpilot/internal/storage"
	"postpilot/internal/task/pool"
	"postpilot/internal/task/trigger"
	logx "postpilot/pkg/logx"
)

// Loop names.
const (
	LoopDuePosts   = "posts.due"
	LoopDueRetries = "retries.due"
	LoopRecovery   = "claims.recover"
)

// Loops holds the schedule of each periodic loop (cron, "@every", or a plain
// duration).
type Loops struct {
	DuePosts   string
	DueRetries string
	Recovery   string
	// Timeout bounds one loop run. Default 1m.
	Timeout time.Duration
}

func (l Loops) withDefaults() Loops {
	if l.DuePosts == "" {
		l.DuePosts = "@every 5s"
	}
	if l.DueRetries == "" {
		l.DueRetries = "@every 10s"
	}
	if l.Recovery == "" {
		l.Recovery = "@every 1m"
	}
	if l.Timeout <= 0 {
		l.Timeout = time.Minute
	}
	return l
}

type Config struct {
	Loops    Loops
	Timezone string

	Posts     Rules
	Scheduler scheduler.Config
	Retry     retry.Config
	Publisher publisher.Config
	Pool      pool.Config

	Breaker          breaker.Config
	BreakerOverrides map[string]breaker.Config

	// Concurrency caps simultaneous deliveries per platform. 0 is unlimited.
	Concurrency map[string]int
	// RateLimits throttles publish calls per platform on the client side.
	RateLimits map[string]platform.Limit
}

type Engine struct {
	mu  sync.RWMutex
	cfg Config

	store    storage.Store
	limited  *platform.Limited
	breakers *breaker.Set
	pub      *publisher.Publisher
	queue    *retry.Queue
	sched    *scheduler.Scheduler
	pool     *pool.Pool
	trigger  *trigger.Service
	dispatch *poolDispatcher

	notify  notifier.Notifier
	metrics *metrics.Metrics
	bus     eventbus.Bus
	clock   clock.Clock
	log     logx.Logger
	inline  bool
}

type Option func(*Engine)

func WithNotifier(n notifier.Notifier) Option { return func(e *Engine) { e.notify = n } }
func WithMetrics(m *metrics.Metrics) Option   { return func(e *Engine) { e.metrics = m } }
func WithBus(b eventbus.Bus) Option           { return func(e *Engine) { e.bus = b } }
func WithClock(c clock.Clock) Option          { return func(e *Engine) { e.clock = c } }
func WithLogger(l logx.Logger) Option         { return func(e *Engine) { e.log = l } }

// WithInlineDelivery runs deliveries on the loop goroutine instead of the
// worker pool. One-shot CLI commands and tests use it.
func WithInlineDelivery() Option { return func(e *Engine) { e.inline = true } }

// New builds an engine around store and the platform adapters. Nothing runs
// until Start.
func New(cfg Config, store storage.Store, adapters platform.Publisher, opts ...Option) (*Engine, error) {
	e := &Engine{store: store, log: logx.Nop()}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.clock = clock.Or(e.clock)
	cfg.Loops = cfg.Loops.withDefaults()
	cfg.Posts = cfg.Posts.withDefaults()
	e.cfg = cfg

	comp := func(name string) logx.Logger { return e.log.With(logx.String("comp", name)) }

	e.limited = platform.NewLimited(adapters, cfg.RateLimits)
	e.breakers = breaker.NewSet(cfg.Breaker, cfg.BreakerOverrides, e.clock)
	e.breakers.OnStateChange(e.onBreaker)

	e.pub = publisher.New(cfg.Publisher, store, e.limited, e.breakers,
		publisher.WithClock(e.clock),
		publisher.WithNotifier(e.notify),
		publisher.WithMetrics(e.metrics),
		publisher.WithBus(e.bus),
		publisher.WithLogger(comp("publisher")),
	)

	e.pool = pool.New(cfg.Pool, comp("pool"), e.bus)
	e.dispatch = newPoolDispatcher(e.pool, cfg.Concurrency)

	qopts := []retry.Option{
		retry.WithClock(e.clock),
		retry.WithNotifier(e.notify),
		retry.WithMetrics(e.metrics),
		retry.WithBus(e.bus),
		retry.WithLogger(comp("retry")),
		retry.WithKick(func() { e.kick(LoopDueRetries) }),
	}
	sopts := []scheduler.Option{
		scheduler.WithClock(e.clock),
		scheduler.WithMetrics(e.metrics),
		scheduler.WithLogger(comp("scheduler")),
	}
	if !e.inline {
		qopts = append(qopts, retry.WithDispatcher(e.dispatch))
		sopts = append(sopts, scheduler.WithDispatcher(e.dispatch))
	}
	e.queue = retry.New(cfg.Retry, store, e.pub, e.breakers, qopts...)
	e.pub.SetRetrier(e.queue)
	e.sched = scheduler.New(cfg.Scheduler, store, e.pub, append(sopts, scheduler.WithRecoverer(e.queue))...)

	e.trigger = trigger.New(trigger.Config{Timezone: cfg.Timezone}, comp("trigger"))
	loops := []trigger.Loop{
		{Name: LoopDuePosts, Schedule: cfg.Loops.DuePosts, Timeout: cfg.Loops.Timeout, Run: e.loop(LoopDuePosts, e.sched.Tick)},
		{Name: LoopDueRetries, Schedule: cfg.Loops.DueRetries, Timeout: cfg.Loops.Timeout, Run: e.loop(LoopDueRetries, e.queue.Tick)},
		{Name: LoopRecovery, Schedule: cfg.Loops.Recovery, Timeout: cfg.Loops.Timeout, Run: e.loop(LoopRecovery, e.sched.Recover)},
	}
	for _, l := range loops {
		if err := e.trigger.Register(l); err != nil {
			return nil, fmt.Errorf("register loop %s: %w", l.Name, err)
		}
	}

	e.metrics.GaugeFunc("delivery_queue_depth", "Deliveries waiting for a worker.", func() float64 {
		return float64(e.pool.Snapshot().QueueLen)
	})
	e.metrics.GaugeFunc("deliveries_in_flight", "Deliveries currently running.", func() float64 {
		return float64(e.pool.Snapshot().InFlight)
	})
	return e, nil
}

func (e *Engine) loop(name string, fn func(context.Context) (int, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		e.metrics.Loop(name, err)
		return err
	}
}

// Start runs the delivery pool and the periodic loops.
func (e *Engine) Start(ctx context.Context) {
	if !e.inline {
		e.pool.Start(ctx)
	}
	e.trigger.Start(ctx)
	e.log.Info("engine started", logx.Bool("inline", e.inline))
}

// Stop halts the loops first, then drains in-flight deliveries, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) {
	e.trigger.Stop(ctx)
	if !e.inline {
		e.pool.Stop(ctx)
	}
	e.log.Info("engine stopped")
}

// Apply pushes a reloaded config into the running components. Breaker
// state, queued deliveries and retry jobs are kept.
func (e *Engine) Apply(ctx context.Context, cfg Config) error {
	cfg.Loops = cfg.Loops.withDefaults()
	cfg.Posts = cfg.Posts.withDefaults()

	e.mu.Lock()
	prev := e.cfg
	e.cfg = cfg
	e.mu.Unlock()

	e.limited.Apply(cfg.RateLimits)
	e.breakers.Apply(cfg.Breaker, cfg.BreakerOverrides)
	e.pub.Apply(cfg.Publisher)
	e.queue.Apply(cfg.Retry)
	e.sched.Apply(cfg.Scheduler)
	e.dispatch.setLimits(cfg.Concurrency)
	if !e.inline {
		e.pool.Apply(ctx, cfg.Pool)
	}
	if prev.Timezone != cfg.Timezone {
		e.trigger.Apply(trigger.Config{Timezone: cfg.Timezone})
	}
	for name, sched := range map[string]string{
		LoopDuePosts:   cfg.Loops.DuePosts,
		LoopDueRetries: cfg.Loops.DueRetries,
		LoopRecovery:   cfg.Loops.Recovery,
	} {
		if err := e.trigger.Reschedule(name, sched); err != nil {
			return fmt.Errorf("reschedule %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) rules() Rules {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Posts
}

// RunLoop runs one loop synchronously. A loop already running is skipped.
func (e *Engine) RunLoop(ctx context.Context, name string) error {
	return e.trigger.RunOnce(ctx, name)
}

func (e *Engine) Loops() []trigger.LoopInfo { return e.trigger.Loops() }

func (e *Engine) PoolSnapshot() pool.Snapshot { return e.pool.Snapshot() }

// Supervisor hosts the delivery workers; nil while stopped or inline.
func (e *Engine) Supervisor() *rtsup.Supervisor { return e.pool.Supervisor() }

func (e *Engine) kick(name string) {
	if _, err := e.trigger.Kick(name); err != nil {
		e.log.Debug("kick failed", logx.String("loop", name), logx.Err(err))
	}
}

var breakerStates = []string{string(breaker.Closed), string(breaker.Open), string(breaker.HalfOpen)}

func (e *Engine) onBreaker(tr breaker.Transition) {
	e.metrics.Breaker(tr.Platform, string(tr.To), breakerStates)
	eventbus.Emit(e.bus, eventbus.BreakerChanged, tr.At, tr)

	log := e.log.With(logx.String("comp", "breaker"), logx.String("platform", tr.Platform))
	var n notifier.Notification
	switch tr.To {
	case breaker.Open:
		log.Warn("circuit opened", logx.String("from", string(tr.From)), logx.Int("failures", tr.Failures))
		n = notifier.Notification{
			Kind:     notifier.KindBreakerOpened,
			Priority: 6,
			Title:    "circuit opened",
			Text:     fmt.Sprintf("deliveries to %s are paused after %d consecutive failures", tr.Platform, tr.Failures),
			Key:      "breaker:" + tr.Platform + ":open",
		}
	case breaker.Closed:
		log.Info("circuit closed", logx.String("from", string(tr.From)), logx.Bool("manual", tr.Manual))
		n = notifier.Notification{
			Kind:     notifier.KindBreakerClosed,
			Priority: 3,
			Title:    "circuit closed",
			Text:     fmt.Sprintf("deliveries to %s resumed", tr.Platform),
			Key:      "breaker:" + tr.Platform + ":closed",
		}
	default:
		log.Info("circuit half-open")
		return
	}
	if e.notify == nil {
		return
	}
	n.At = tr.At
	n.Fields = map[string]string{"platform": tr.Platform, "from": string(tr.From), "to": string(tr.To)}
	if err := e.notify.Notify(context.Background(), n); err != nil && !notifier.Inactive(err) {
		log.Warn("breaker alert not queued", logx.Err(err))
	}
}

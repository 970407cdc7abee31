// Package pool runs deliveries on a fixed set of workers fed by a bounded
// queue. Per-key concurrency groups cap how many deliveries hit the same
// platform at once. The pool does not retry: retries are owned by the
// durable retry queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/eventbus"
	rtsup "postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q chan queued

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	groups groups
	dedup  dedupSet

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	panics           atomic.Uint64

	queueFullWarn logx.Throttle
	staleWarn     logx.Throttle
}

type queued struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:           cfg.withDefaults(),
		log:           log,
		bus:           bus,
		queueFullWarn: logx.Throttle{Every: 5 * time.Second},
		staleWarn:     logx.Throttle{Every: 5 * time.Second},
	}
}

// Supervisor returns the pool's supervisor, nil when not running.
func (p *Pool) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

// Apply swaps the config. A changed worker count or queue size restarts the
// workers; queued tasks are dropped in that case and picked up again by the
// next scheduler tick.
func (p *Pool) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	running := p.stopCh != nil && p.stopDone == nil
	p.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		p.Stop(ctx)
		p.Start(ctx)
	}
}

func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}

	cfg := p.cfg
	p.q = make(chan queued, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	stopCh := p.stopCh
	queue := p.q

	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "pool"))),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("delivery.worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	p.log.Info("delivery pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop stops the workers and waits for in-flight deliveries, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	queue := p.q
	p.mu.Unlock()

	go func() {
		// Workers finish their current delivery before returning; the
		// supervisor context stays live so those writes can complete.
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}
		// Release dedup keys of tasks that never ran.
		if queue != nil {
		drain:
			for {
				select {
				case qt := <-queue:
					p.dedup.remove(qt.task.Dedup)
				default:
					break drain
				}
			}
		}
		p.mu.Lock()
		p.q = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("delivery pool stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		p.log.Warn("delivery pool stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t without blocking; a full queue returns ErrQueueFull.
func (p *Pool) Enqueue(t Task) error {
	return p.enqueue(context.Background(), t, false)
}

// Submit blocks until t is accepted, ctx is done, or the pool stops.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.enqueue(ctx, t, true)
}

func (p *Pool) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("dlv-%x-%x", now.UnixNano(), p.idSeq.Add(1))
	}

	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	stopCh := p.stopCh
	stopping := p.stopDone != nil
	p.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}
	if !p.dedup.tryAdd(t.Dedup) {
		return ErrDuplicate
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queued{task: t, enqueuedAt: now, timeout: timeout}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			p.dedup.remove(t.Dedup)
			p.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		p.dedup.remove(t.Dedup)
		return ctx.Err()
	case <-stopCh:
		p.dedup.remove(t.Dedup)
		return ErrStopping
	}
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queued) {
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
		case qt := <-queue:
			gs := p.groups.get(qt.task.Key, qt.task.Limit)
			if !gs.tryAcquire() {
				// Platform is at its limit: requeue and look at other work.
				select {
				case queue <- qt:
				default:
					p.dedup.remove(qt.task.Dedup)
					p.onQueueFull(time.Now(), qt.task, queue)
				}
				runtime.Gosched()
				continue
			}
			p.inFlight.Add(1)
			p.execOne(ctx, qt)
			p.inFlight.Add(-1)
			gs.release()
		}
	}
}

func (p *Pool) execOne(ctx context.Context, qt queued) {
	defer p.dedup.remove(qt.task.Dedup)

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		p.onStale(start, qt.task, queueDelay)
		p.record(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("delivery panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		p.log.Warn("delivery task failed", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Err(err), logx.Duration("dur", dur))
	} else {
		p.log.Debug("delivery task done", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	p.record(cfg, item)
}

func (p *Pool) record(cfg Config, item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > cfg.HistorySize {
		p.history = p.history[len(p.history)-cfg.HistorySize:]
	}
	p.hmu.Unlock()
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	running := p.stopCh != nil && p.stopDone == nil
	p.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(p.inFlight.Load()),
		Dropped:          p.dropped.Load(),
		DroppedQueueFull: p.droppedQueueFull.Load(),
		DroppedStale:     p.droppedStale.Load(),
		Panics:           p.panics.Load(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	p.hmu.Lock()
	snap.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return snap
}

func (p *Pool) onQueueFull(now time.Time, t Task, q chan queued) {
	p.dropped.Add(1)
	p.droppedQueueFull.Add(1)
	eventbus.Emit(p.bus, eventbus.DeliveryDropped, now, DropEvent{ID: t.ID, Name: t.Name, Key: t.Key, Reason: "queue_full"})
	if p.queueFullWarn.Allow(now) {
		p.log.Warn("delivery dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", p.droppedQueueFull.Load()),
		)
	}
}

func (p *Pool) onStale(now time.Time, t Task, queueDelay time.Duration) {
	p.dropped.Add(1)
	p.droppedStale.Add(1)
	eventbus.Emit(p.bus, eventbus.DeliveryDropped, now, DropEvent{ID: t.ID, Name: t.Name, Key: t.Key, Reason: "stale_queue_delay"})
	if p.staleWarn.Allow(now) {
		p.log.Warn("delivery dropped: stale queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", p.droppedStale.Load()),
		)
	}
}

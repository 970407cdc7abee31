package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/eventbus"
	rtsup "postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

// Service is the alert pipeline: Notify enqueues, workers fan each alert
// out to the sinks under a shared rate limit. Safe for concurrent use.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store DedupStore
	seen  *suppressor

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sinks   []Sink
	run     *runState // nil while stopped
	stopped chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

type queued struct {
	n   Notification
	key string
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, store: store, sinks: sinks, seen: newSuppressor()}
	s.Apply(cfg)
	return s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Apply takes effect for the next send. Worker count and queue size only
// change across Stop and Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// SetSinks replaces the sink list. Alerts already being delivered keep the
// previous list.
func (s *Service) SetSinks(sinks []Sink) {
	s.mu.Lock()
	s.sinks = sinks
	s.mu.Unlock()
}

func (s *Service) SinkNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.sinks))
	for i, sk := range s.sinks {
		names[i] = sk.Name()
	}
	return names
}

// Supervisor is nil while the service is stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.sup
}

// Notify enqueues n without blocking. A repeat inside the dedup window is
// dropped and reported as success.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	s.mu.Lock()
	cfg, run := s.cfg, s.run
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case run == nil || !run.accepting:
		s.mu.Unlock()
		return ErrStopped
	}
	run.senders.Add(1)
	s.mu.Unlock()
	defer run.senders.Done()

	key := dedupKey(n)
	ev := NotificationEvent{Kind: n.Kind, Key: key, At: n.At}
	if cfg.DedupWindow > 0 && !s.admit(ctx, run, key, cfg) {
		eventbus.Emit(s.bus, eventbus.NotifierDeduped, time.Now(), ev)
		return nil
	}

	select {
	case run.queue <- queued{n: n, key: key}:
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		eventbus.Emit(s.bus, eventbus.NotifierDropped, time.Now(), ev)
		return ErrQueueFull
	}
}

// Snapshot returns the most recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if len(s.history) == historySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:historySize-1]
	}
	s.history = append(s.history, item)
}

// Inactive reports whether err only means no alert pipeline is running,
// as in one-shot CLI commands.
func Inactive(err error) bool {
	return errors.Is(err, ErrDisabled) || errors.Is(err, ErrStopped)
}

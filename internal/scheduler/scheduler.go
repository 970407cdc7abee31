// Package scheduler turns due posts into delivery attempts.
//
// Each Tick fetches posts whose due time has passed and hands every pending
// platform-post to the publisher once. The claim itself happens inside the
// publisher, so a platform-post picked up by two ticks or two instances is
// still delivered at most once. Recover releases platform-posts whose worker
// died mid-delivery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/clock"
	"postpilot/internal/metrics"
	"postpilot/internal/platform"
	"postpilot/internal/publisher"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type Config struct {
	// BatchSize caps posts fetched per tick. Default 100.
	BatchSize int
	// ClaimLease is how long a platform-post may stay publishing before the
	// recovery sweep treats its worker as dead. It must exceed the publish
	// timeout. Default 10m.
	ClaimLease time.Duration
	// RecoveryBatch caps platform-posts recovered per sweep. Default 100.
	RecoveryBatch int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 10 * time.Minute
	}
	if c.RecoveryBatch <= 0 {
		c.RecoveryBatch = 100
	}
	return c
}

type Deliverer interface {
	Deliver(ctx context.Context, pp storage.PlatformPost, job *storage.RetryJob) (publisher.Outcome, error)
}

// Dispatcher runs fn asynchronously. dedup identifies the platform-post so a
// still-queued delivery is not queued twice.
type Dispatcher interface {
	Dispatch(ctx context.Context, platform, dedup string, fn func(context.Context) error) error
}

// Recoverer takes over interrupted deliveries. *retry.Queue implements it.
type Recoverer interface {
	EnqueueRecovery(ctx context.Context, pp storage.PlatformPost, out publisher.Outcome) (storage.RetryJob, error)
	ResetStale(ctx context.Context) (int, error)
}

type Scheduler struct {
	mu  sync.RWMutex
	cfg Config

	store     storage.Store
	deliver   Deliverer
	dispatch  Dispatcher
	recoverer Recoverer
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       logx.Logger
}

type Option func(*Scheduler)

func WithDispatcher(d Dispatcher) Option    { return func(s *Scheduler) { s.dispatch = d } }
func WithRecoverer(r Recoverer) Option      { return func(s *Scheduler) { s.recoverer = r } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithClock(c clock.Clock) Option        { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l logx.Logger) Option       { return func(s *Scheduler) { s.log = l } }

func New(cfg Config, store storage.Store, deliver Deliverer, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		store:   store,
		deliver: deliver,
		log:     logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.clock = clock.Or(s.clock)
	return s
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Tick submits every pending platform-post of every due post. It returns the
// number of deliveries submitted. A store failure abandons the tick; the
// next one starts over.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	cfg := s.config()
	posts, err := s.store.FindDuePosts(ctx, s.clock.Now(), cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due posts: %w", err)
	}

	submitted := 0
	for _, post := range posts {
		for _, pp := range post.PlatformPosts {
			if pp.Status != storage.PPPending {
				continue
			}
			if ctx.Err() != nil {
				return submitted, ctx.Err()
			}
			ok, err := s.submit(ctx, pp)
			if err != nil {
				return submitted, err
			}
			if ok {
				submitted++
			}
		}
	}
	if submitted > 0 {
		s.log.Debug("due deliveries submitted", logx.Int("posts", len(posts)), logx.Int("deliveries", submitted))
	}
	return submitted, nil
}

func (s *Scheduler) submit(ctx context.Context, pp storage.PlatformPost) (bool, error) {
	run := func(c context.Context) error {
		_, err := s.deliver.Deliver(c, pp, nil)
		if errors.Is(err, publisher.ErrNotClaimed) {
			return nil
		}
		return err
	}
	if s.dispatch == nil {
		if err := run(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := s.dispatch.Dispatch(ctx, pp.Platform, pp.ID, run); err != nil {
		// Duplicate or full queue: the next tick sees it again.
		s.log.Debug("delivery not dispatched", logx.String("platform_post_id", pp.ID), logx.Err(err))
		return false, nil
	}
	return true, nil
}

// Recover fails platform-posts stuck in publishing past the claim lease and
// hands them to the retry queue, then returns stale running retry jobs to
// pending. It returns the number of platform-posts recovered.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	cfg := s.config()
	now := s.clock.Now()
	stale, err := s.store.StalePlatformPosts(ctx, now.Add(-cfg.ClaimLease), cfg.RecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("stale platform-posts: %w", err)
	}

	recovered := 0
	for _, pp := range stale {
		msg := fmt.Sprintf("delivery interrupted: claimed at %s and never finished", pp.ClaimedAt.UTC().Format(time.RFC3339))
		ok, err := s.store.TransitionPlatformPost(ctx, pp.ID, storage.PPPublishing, storage.PPFailed, storage.Fields{
			At:           now,
			ErrorKind:    string(platform.KindUnknown),
			ErrorMessage: msg,
		})
		if err != nil {
			return recovered, fmt.Errorf("recover platform-post %s: %w", pp.ID, err)
		}
		if !ok {
			// Finished after all.
			continue
		}
		recovered++
		s.metrics.RecoveredClaim()
		s.log.Warn("interrupted delivery recovered",
			logx.String("platform_post_id", pp.ID),
			logx.String("post_id", pp.PostID),
			logx.String("platform", pp.Platform),
			logx.Time("claimed_at", pp.ClaimedAt),
		)
		if s.recoverer == nil {
			continue
		}
		pp.Status = storage.PPFailed
		pp.LastErrorKind = string(platform.KindUnknown)
		pp.LastError = msg
		out := publisher.Outcome{
			PlatformPostID: pp.ID, PostID: pp.PostID, Platform: pp.Platform,
			Kind: platform.KindUnknown, Message: msg, At: now,
		}
		if _, err := s.recoverer.EnqueueRecovery(ctx, pp, out); err != nil {
			return recovered, fmt.Errorf("enqueue recovery for %s: %w", pp.ID, err)
		}
	}

	if s.recoverer != nil {
		if _, err := s.recoverer.ResetStale(ctx); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

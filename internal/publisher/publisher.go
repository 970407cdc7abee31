// Package publisher runs single delivery attempts of platform-posts.
//
// An attempt claims the platform-post, asks the platform's circuit breaker
// for admission, calls the platform adapter under a timeout, and records the
// classified outcome in the store. Every outcome is then handed to the
// Retrier, which owns what happens next.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/breaker"
	"postpilot/internal/clock"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/notifier"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// ErrNotClaimed means another worker, a cancellation, or a state change won
// the race for the platform-post. It is not a failure of the delivery.
var ErrNotClaimed = errors.New("publisher: platform-post not claimable")

type Config struct {
	// Timeout bounds one publish call. Default 30s.
	Timeout time.Duration
	// PlatformTimeouts overrides Timeout per platform.
	PlatformTimeouts map[string]time.Duration
	// StoreAttempts is how often a result write is tried. Default 3.
	StoreAttempts int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.StoreAttempts <= 0 {
		c.StoreAttempts = 3
	}
	return c
}

func (c Config) timeoutFor(p string) time.Duration {
	if d, ok := c.PlatformTimeouts[platform.Normalize(p)]; ok && d > 0 {
		return d
	}
	return c.Timeout
}

// Outcome is the classified result of one attempt.
type Outcome struct {
	PlatformPostID string
	PostID         string
	Platform       string

	Published  bool
	ExternalID string

	Kind       platform.Kind
	Message    string
	RetryAfter time.Duration

	// CircuitOpen is set when the breaker rejected the attempt. ReopenAt is
	// when it is worth asking again.
	CircuitOpen bool
	ReopenAt    time.Time
	// Attempted is set once the adapter was called.
	Attempted bool

	At       time.Time
	Duration time.Duration
}

func (o Outcome) Retryable() bool { return !o.Published && o.Kind.Retryable() }

// Retrier decides what follows an outcome. job is nil for first deliveries.
type Retrier interface {
	Settle(ctx context.Context, pp storage.PlatformPost, job *storage.RetryJob, out Outcome) error
}

// DeliveryEvent is published on the bus for claims and results.
type DeliveryEvent struct {
	PostID         string `json:"post_id"`
	PlatformPostID string `json:"platform_post_id"`
	Platform       string `json:"platform"`
	Retry          bool   `json:"retry"`
	ExternalID     string `json:"external_id,omitempty"`
	Kind           string `json:"kind,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Publisher struct {
	mu  sync.RWMutex
	cfg Config

	store    storage.Store
	pub      platform.Publisher
	breakers *breaker.Set
	retrier  Retrier
	notify   notifier.Notifier
	metrics  *metrics.Metrics
	bus      eventbus.Bus
	clock    clock.Clock
	log      logx.Logger
}

type Option func(*Publisher)

func WithNotifier(n notifier.Notifier) Option { return func(p *Publisher) { p.notify = n } }
func WithMetrics(m *metrics.Metrics) Option   { return func(p *Publisher) { p.metrics = m } }
func WithBus(b eventbus.Bus) Option           { return func(p *Publisher) { p.bus = b } }
func WithClock(c clock.Clock) Option          { return func(p *Publisher) { p.clock = c } }
func WithLogger(l logx.Logger) Option         { return func(p *Publisher) { p.log = l } }

func New(cfg Config, store storage.Store, pub platform.Publisher, breakers *breaker.Set, opts ...Option) *Publisher {
	p := &Publisher{
		cfg:      cfg.withDefaults(),
		store:    store,
		pub:      pub,
		breakers: breakers,
		log:      logx.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.clock = clock.Or(p.clock)
	return p
}

// SetRetrier wires the retry queue. It must be called before the first
// delivery; the queue itself depends on the Publisher.
func (p *Publisher) SetRetrier(r Retrier) {
	p.mu.Lock()
	p.retrier = r
	p.mu.Unlock()
}

func (p *Publisher) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Publisher) snapshot() (Config, Retrier) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, p.retrier
}

// Deliver runs one attempt for pp. job is nil for a first delivery (pp must
// be pending) and set for a retry (pp must be failed).
//
// It returns ErrNotClaimed when the claim is lost. Any other error means the
// outcome could not be recorded; the platform-post is then left for the
// stale-claim recovery sweep.
func (p *Publisher) Deliver(ctx context.Context, pp storage.PlatformPost, job *storage.RetryJob) (Outcome, error) {
	cfg, retrier := p.snapshot()
	log := p.log.With(logx.String("post_id", pp.PostID), logx.String("platform_post_id", pp.ID), logx.String("platform", pp.Platform))

	from := storage.PPPending
	reset := false
	if job != nil {
		from = storage.PPFailed
		reset = freshManual(job)
	}
	now := p.clock.Now()
	ok, err := p.store.TransitionPlatformPost(ctx, pp.ID, from, storage.PPPublishing, storage.Fields{At: now, ResetRetryCount: reset})
	if err != nil {
		return Outcome{}, fmt.Errorf("claim platform-post %s: %w", pp.ID, err)
	}
	if !ok {
		p.metrics.ClaimConflict(pp.Platform)
		log.Debug("claim lost")
		return Outcome{}, ErrNotClaimed
	}
	ev := DeliveryEvent{PostID: pp.PostID, PlatformPostID: pp.ID, Platform: pp.Platform, Retry: job != nil}
	eventbus.Emit(p.bus, eventbus.PlatformPostClaimed, now, ev)

	// Result writes must land even when shutdown cancels ctx.
	wctx := context.WithoutCancel(ctx)

	post, err := p.store.GetPost(ctx, pp.PostID)
	if err != nil {
		out := p.failure(pp, now, platform.Errorf(platform.KindUnknown, "load post: %v", err), 0)
		return p.finish(wctx, cfg, retrier, log, pp, job, out)
	}

	ticket, err := p.breakers.Get(pp.Platform).Acquire()
	if err != nil {
		out := p.failure(pp, now, platform.NewError(platform.KindCircuitOpen, err.Error()), 0)
		out.CircuitOpen = true
		var oe *breaker.OpenError
		if errors.As(err, &oe) {
			out.ReopenAt = oe.RetryAt
		}
		return p.finish(wctx, cfg, retrier, log, pp, job, out)
	}

	content := platform.Content{
		PostID:         post.ID,
		PlatformPostID: pp.ID,
		OwnerID:        post.OwnerID,
		Text:           pp.Content,
		Images:         post.Images,
		Hashtags:       post.Hashtags,
	}
	if content.Text == "" {
		content.Text = post.Content
	}

	start := time.Now()
	externalID, callErr := p.call(ctx, cfg.timeoutFor(pp.Platform), pp.Platform, content)
	dur := time.Since(start)
	at := p.clock.Now()

	if callErr == nil {
		ticket.Success()
		out := Outcome{
			PlatformPostID: pp.ID, PostID: pp.PostID, Platform: pp.Platform,
			Published: true, ExternalID: externalID, At: at, Duration: dur,
			Attempted: true,
		}
		return p.finish(wctx, cfg, retrier, log, pp, job, out)
	}

	pe := platform.Classify(callErr)
	switch {
	case ctx.Err() != nil:
		// Our own shutdown, not the platform's fault.
		ticket.Release()
	case pe.Local:
		// Refused by the client-side limiter before any request went out.
		ticket.Release()
	case pe.Kind.Retryable():
		ticket.Failure()
	default:
		// Permanent errors say nothing about platform health.
		ticket.Release()
	}
	out := p.failure(pp, at, pe, dur)
	out.Attempted = true
	return p.finish(wctx, cfg, retrier, log, pp, job, out)
}

func freshManual(job *storage.RetryJob) bool {
	return job.Kind == storage.RetryManual && job.Attempts == 0
}

func (p *Publisher) failure(pp storage.PlatformPost, at time.Time, pe *platform.Error, dur time.Duration) Outcome {
	msg := pe.Message
	if msg == "" {
		msg = pe.Error()
	}
	return Outcome{
		PlatformPostID: pp.ID, PostID: pp.PostID, Platform: pp.Platform,
		Kind: pe.Kind, Message: msg, RetryAfter: pe.RetryAfter,
		At: at, Duration: dur,
	}
}

// call invokes the adapter with a timeout and converts panics to unknown.
func (p *Publisher) call(ctx context.Context, timeout time.Duration, name string, c platform.Content) (id string, err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("platform adapter panicked", logx.String("platform", name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			id, err = "", platform.Errorf(platform.KindUnknown, "adapter panic: %v", r)
		}
	}()
	id, err = p.pub.Publish(cctx, name, c)
	if err == nil && id == "" {
		err = platform.NewError(platform.KindUnknown, "adapter returned an empty external id")
	}
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		var pe *platform.Error
		if !errors.As(err, &pe) {
			err = &platform.Error{Kind: platform.KindNetworkTimeout, Message: fmt.Sprintf("publish timed out after %s", timeout), Err: err}
		}
	}
	return id, err
}

// finish records out, hands it to the retrier and raises a terminal alert
// when the post has nothing left to try.
func (p *Publisher) finish(ctx context.Context, cfg Config, retrier Retrier, log logx.Logger, pp storage.PlatformPost, job *storage.RetryJob, out Outcome) (Outcome, error) {
	f := storage.Fields{At: out.At}
	// Only retries that reached the platform count; a fresh manual retry
	// starts the counter over.
	f.CountRetry = job != nil && out.Attempted && !freshManual(job)
	to := storage.PPFailed
	if out.Published {
		to = storage.PPPublished
		f.ExternalID = out.ExternalID
	} else {
		f.ErrorKind = string(out.Kind)
		f.ErrorMessage = out.Message
	}

	err := p.withStoreRetry(ctx, cfg, func(c context.Context) error {
		ok, err := p.store.TransitionPlatformPost(c, pp.ID, storage.PPPublishing, to, f)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: platform-post %s left publishing", storage.ErrConflict, pp.ID)
		}
		return nil
	})
	if err != nil {
		if out.Published {
			log.Error("published but result not recorded", logx.String("external_id", out.ExternalID), logx.Err(err))
		} else {
			log.Error("failure not recorded", logx.String("kind", string(out.Kind)), logx.Err(err))
		}
		return out, fmt.Errorf("record outcome: %w", err)
	}

	p.appendAttempt(ctx, log, pp, out)
	p.observe(pp, job, out, log)

	updated, err := p.store.GetPlatformPost(ctx, pp.ID)
	if err != nil {
		updated = pp
		updated.Status = to
	}
	if retrier != nil {
		if err := p.withStoreRetry(ctx, cfg, func(c context.Context) error {
			return retrier.Settle(c, updated, job, out)
		}); err != nil {
			log.Error("retry settle failed", logx.String("kind", string(out.Kind)), logx.Err(err))
		}
	}

	if !out.Published {
		p.alertIfTerminal(ctx, log, pp.PostID)
	}
	return out, nil
}

func (p *Publisher) withStoreRetry(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	var err error
	for i := 0; i < cfg.StoreAttempts; i++ {
		c, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = fn(c)
		cancel()
		if err == nil || errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrInvalidTransition) {
			return err
		}
		if i == cfg.StoreAttempts-1 {
			break
		}
		t := time.NewTimer(time.Duration(i+1) * 50 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

func (p *Publisher) appendAttempt(ctx context.Context, log logx.Logger, pp storage.PlatformPost, out Outcome) {
	rec := storage.AttemptRecord{
		PlatformPostID: pp.ID,
		PostID:         pp.PostID,
		Platform:       pp.Platform,
		At:             out.At,
		Duration:       out.Duration,
		ExternalID:     out.ExternalID,
	}
	switch {
	case out.Published:
		rec.Outcome = "published"
	case out.CircuitOpen:
		rec.Outcome = "circuit_open"
	default:
		rec.Outcome = "failed"
		rec.ErrorKind = string(out.Kind)
		rec.Error = out.Message
	}
	if err := p.store.AppendAttempt(ctx, rec); err != nil {
		log.Warn("attempt log write failed", logx.Err(err))
	}
}

func (p *Publisher) observe(pp storage.PlatformPost, job *storage.RetryJob, out Outcome, log logx.Logger) {
	ev := DeliveryEvent{PostID: pp.PostID, PlatformPostID: pp.ID, Platform: pp.Platform, Retry: job != nil}
	if out.Published {
		p.metrics.Delivery(pp.Platform, "published", "", out.Duration)
		ev.ExternalID = out.ExternalID
		eventbus.Emit(p.bus, eventbus.PlatformPostPublished, out.At, ev)
		log.Info("platform-post published", logx.String("external_id", out.ExternalID), logx.Duration("dur", out.Duration))
		return
	}
	outcome := "failed"
	if out.CircuitOpen {
		outcome = "circuit_open"
	}
	p.metrics.Delivery(pp.Platform, outcome, string(out.Kind), out.Duration)
	ev.Kind = string(out.Kind)
	ev.Error = out.Message
	eventbus.Emit(p.bus, eventbus.PlatformPostFailed, out.At, ev)
	if out.CircuitOpen {
		log.Debug("delivery rejected by open circuit", logx.Time("reopen_at", out.ReopenAt))
		return
	}
	log.Warn("platform-post failed", logx.String("kind", string(out.Kind)), logx.String("error", out.Message), logx.Bool("retryable", out.Retryable()))
}

func (p *Publisher) alertIfTerminal(ctx context.Context, log logx.Logger, postID string) {
	if p.notify == nil {
		return
	}
	post, err := p.store.GetPost(ctx, postID)
	if err != nil || post.Status != storage.PostFailed {
		return
	}
	active, err := p.store.CountActiveRetryJobs(ctx, postID)
	if err != nil || active > 0 {
		return
	}
	fields := map[string]string{"post_id": post.ID, "owner_id": post.OwnerID}
	for _, pp := range post.PlatformPosts {
		if pp.Status == storage.PPFailed {
			fields[pp.Platform] = pp.LastErrorKind + ": " + pp.LastError
		}
	}
	err = p.notify.Notify(ctx, notifier.Notification{
		Kind:     notifier.KindPostFailed,
		Priority: 7,
		Title:    "post failed",
		Text:     fmt.Sprintf("post %s ended in failed", post.ID),
		Key:      post.ID,
		Fields:   fields,
		At:       post.UpdatedAt,
	})
	if err != nil && !notifier.Inactive(err) {
		log.Warn("post failed alert not queued", logx.Err(err))
	}
}

// Package retry is the durable retry queue for failed deliveries.
//
// A platform-post that fails with a retryable error gets one RetryJob. The
// queue's Tick claims due jobs and re-runs the publisher's attempt logic;
// Settle folds the result back into the job: success or a permanent error
// removes it, a retryable error schedules the next attempt with backoff, and
// reaching the attempt budget marks it exhausted. Circuit-open rejections
// defer the job until the breaker half-opens without spending an attempt.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/breaker"
	"postpilot/internal/clock"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/notifier"
	"postpilot/internal/platform"
	"postpilot/internal/publisher"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Default   Policy
	Platforms map[string]Policy
	// BatchSize caps jobs claimed per tick. Default 100.
	BatchSize int
	// Lease is how long a job may stay running before the stale sweep
	// returns it to pending. Default 5m.
	Lease time.Duration
}

func (c Config) withDefaults() Config {
	c.Default = c.Default.withDefaults()
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	out := make(map[string]Policy, len(c.Platforms))
	for k, p := range c.Platforms {
		out[platform.Normalize(k)] = p.withDefaults()
	}
	c.Platforms = out
	return c
}

// PolicyFor returns the policy for a platform.
func (c Config) PolicyFor(name string) Policy {
	if p, ok := c.Platforms[platform.Normalize(name)]; ok {
		return p
	}
	return c.Default
}

// Deliverer runs one attempt. *publisher.Publisher implements it.
type Deliverer interface {
	Deliver(ctx context.Context, pp storage.PlatformPost, job *storage.RetryJob) (publisher.Outcome, error)
}

// Dispatcher runs fn asynchronously, typically on the delivery pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, platform, dedup string, fn func(context.Context) error) error
}

// JobEvent is published on the bus for job lifecycle changes.
type JobEvent struct {
	JobID          string    `json:"job_id"`
	PlatformPostID string    `json:"platform_post_id"`
	PostID         string    `json:"post_id"`
	Platform       string    `json:"platform"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`
	Error          string    `json:"error,omitempty"`
}

type Queue struct {
	mu  sync.RWMutex
	cfg Config

	store    storage.Store
	deliver  Deliverer
	dispatch Dispatcher
	breakers *breaker.Set
	notify   notifier.Notifier
	metrics  *metrics.Metrics
	bus      eventbus.Bus
	clock    clock.Clock
	log      logx.Logger
	rand     func() float64
	kick     func()
}

type Option func(*Queue)

func WithDispatcher(d Dispatcher) Option       { return func(q *Queue) { q.dispatch = d } }
func WithNotifier(n notifier.Notifier) Option  { return func(q *Queue) { q.notify = n } }
func WithMetrics(m *metrics.Metrics) Option    { return func(q *Queue) { q.metrics = m } }
func WithBus(b eventbus.Bus) Option            { return func(q *Queue) { q.bus = b } }
func WithClock(c clock.Clock) Option           { return func(q *Queue) { q.clock = c } }
func WithLogger(l logx.Logger) Option          { return func(q *Queue) { q.log = l } }
func WithRand(fn func() float64) Option        { return func(q *Queue) { q.rand = fn } }

// WithKick sets a hook that runs the retry loop now; used by ManualRetry.
func WithKick(fn func()) Option { return func(q *Queue) { q.kick = fn } }

func New(cfg Config, store storage.Store, deliver Deliverer, breakers *breaker.Set, opts ...Option) *Queue {
	q := &Queue{
		cfg:      cfg.withDefaults(),
		store:    store,
		deliver:  deliver,
		breakers: breakers,
		log:      logx.Nop(),
		rand:     rand.Float64,
	}
	for _, o := range opts {
		o(q)
	}
	q.clock = clock.Or(q.clock)
	return q
}

func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

func (q *Queue) config() Config {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg
}

// SetKick replaces the kick hook after construction.
func (q *Queue) SetKick(fn func()) {
	q.mu.Lock()
	q.kick = fn
	q.mu.Unlock()
}

// Enqueue creates the job for a retryable first-delivery failure. When the
// platform-post already has a job, that job is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, pp storage.PlatformPost, out publisher.Outcome) (storage.RetryJob, error) {
	return q.insert(ctx, pp, out, storage.RetryPublish)
}

// EnqueueRecovery creates the job for a delivery that was interrupted
// mid-flight. The interrupted attempt counts.
func (q *Queue) EnqueueRecovery(ctx context.Context, pp storage.PlatformPost, out publisher.Outcome) (storage.RetryJob, error) {
	return q.insert(ctx, pp, out, storage.RetryRecovery)
}

func (q *Queue) insert(ctx context.Context, pp storage.PlatformPost, out publisher.Outcome, kind storage.RetryKind) (storage.RetryJob, error) {
	cfg := q.config()
	pol := cfg.PolicyFor(pp.Platform)
	now := q.clock.Now()

	j := storage.RetryJob{
		ID:             uuid.NewString(),
		PlatformPostID: pp.ID,
		PostID:         pp.PostID,
		Platform:       pp.Platform,
		Kind:           kind,
		Status:         storage.RetryPending,
		MaxAttempts:    pol.MaxAttempts,
		LastErrorKind:  string(out.Kind),
		LastError:      out.Message,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if out.CircuitOpen {
		j.NextAttemptAt = q.reopenTime(out.ReopenAt, now)
	} else {
		j.Attempts = 1
		j.NextAttemptAt = now.Add(pol.Next(j.Attempts, out.RetryAfter, q.rand()))
	}
	exhausted := j.Attempts >= j.MaxAttempts
	if exhausted {
		j.Status = storage.RetryExhausted
		j.NextAttemptAt = time.Time{}
	}

	got, created, err := q.store.InsertRetryJob(ctx, j)
	if err != nil {
		return storage.RetryJob{}, fmt.Errorf("insert retry job: %w", err)
	}
	if !created {
		q.log.Debug("retry job already exists", logx.String("job_id", got.ID), logx.String("platform_post_id", pp.ID), logx.String("status", string(got.Status)))
		return got, nil
	}

	q.metrics.Retry(got.Platform, "enqueued")
	eventbus.Emit(q.bus, eventbus.RetryEnqueued, now, q.event(got))
	q.log.Info("retry job enqueued",
		logx.String("job_id", got.ID),
		logx.String("platform_post_id", got.PlatformPostID),
		logx.String("platform", got.Platform),
		logx.String("kind", string(got.Kind)),
		logx.Int("attempts", got.Attempts),
		logx.Time("next_attempt_at", got.NextAttemptAt),
	)
	if exhausted {
		q.exhausted(ctx, got)
	}
	return got, nil
}

// Settle folds an attempt outcome into the queue. job is nil for first
// deliveries; otherwise it is the running job that triggered the attempt.
func (q *Queue) Settle(ctx context.Context, pp storage.PlatformPost, job *storage.RetryJob, out publisher.Outcome) error {
	if job == nil {
		if out.Published || !out.Retryable() {
			return nil
		}
		_, err := q.Enqueue(ctx, pp, out)
		return err
	}

	j := *job
	if out.Published || !out.Retryable() {
		if _, err := q.store.DeleteRetryJob(ctx, j.ID); err != nil {
			return fmt.Errorf("delete retry job: %w", err)
		}
		event := "succeeded"
		if !out.Published {
			event = "dropped"
			q.log.Info("retry job dropped on permanent error", logx.String("job_id", j.ID), logx.String("kind", string(out.Kind)))
		}
		q.metrics.Retry(j.Platform, event)
		return nil
	}

	cfg := q.config()
	pol := cfg.PolicyFor(j.Platform)
	now := q.clock.Now()
	j.Status = storage.RetryPending
	j.UpdatedAt = now
	j.LastErrorKind = string(out.Kind)
	j.LastError = out.Message

	if out.CircuitOpen {
		j.NextAttemptAt = q.reopenTime(out.ReopenAt, now)
		if err := q.update(ctx, j, storage.RetryRunning); err != nil {
			return err
		}
		q.metrics.Retry(j.Platform, "deferred")
		return nil
	}

	j.Attempts++
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = pol.MaxAttempts
	}
	if j.Attempts >= j.MaxAttempts {
		j.Status = storage.RetryExhausted
		j.NextAttemptAt = time.Time{}
		if err := q.update(ctx, j, storage.RetryRunning); err != nil {
			return err
		}
		q.exhausted(ctx, j)
		return nil
	}

	j.NextAttemptAt = now.Add(pol.Next(j.Attempts, out.RetryAfter, q.rand()))
	if err := q.update(ctx, j, storage.RetryRunning); err != nil {
		return err
	}
	q.metrics.Retry(j.Platform, "scheduled")
	eventbus.Emit(q.bus, eventbus.RetryScheduled, now, q.event(j))
	q.log.Info("retry scheduled",
		logx.String("job_id", j.ID),
		logx.String("platform", j.Platform),
		logx.Int("attempts", j.Attempts),
		logx.Int("max_attempts", j.MaxAttempts),
		logx.Time("next_attempt_at", j.NextAttemptAt),
		logx.String("kind", j.LastErrorKind),
	)
	return nil
}

func (q *Queue) update(ctx context.Context, j storage.RetryJob, from storage.RetryStatus) error {
	ok, err := q.store.TransitionRetryJob(ctx, j, from)
	if err != nil {
		return fmt.Errorf("update retry job %s: %w", j.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: retry job %s is no longer %s", storage.ErrConflict, j.ID, from)
	}
	return nil
}

// reopenTime spreads deferred jobs over a short window after the breaker
// half-opens so they do not all hit the probe slot at once.
func (q *Queue) reopenTime(at, now time.Time) time.Time {
	if at.Before(now) {
		at = now
	}
	return at.Add(time.Duration(q.rand() * float64(2*time.Second)))
}

func (q *Queue) exhausted(ctx context.Context, j storage.RetryJob) {
	q.metrics.Retry(j.Platform, "exhausted")
	eventbus.Emit(q.bus, eventbus.RetryExhausted, q.clock.Now(), q.event(j))
	q.log.Warn("retry job exhausted",
		logx.String("job_id", j.ID),
		logx.String("platform_post_id", j.PlatformPostID),
		logx.String("platform", j.Platform),
		logx.Int("attempts", j.Attempts),
		logx.String("kind", j.LastErrorKind),
		logx.String("error", j.LastError),
	)
	if q.notify == nil {
		return
	}
	err := q.notify.Notify(ctx, notifier.Notification{
		Kind:     notifier.KindRetryExhausted,
		Priority: 8,
		Title:    "retry exhausted",
		Text:     fmt.Sprintf("%s delivery of post %s gave up after %d attempts", j.Platform, j.PostID, j.Attempts),
		Key:      j.ID + ":" + strconv.Itoa(j.Attempts),
		Fields: map[string]string{
			"job_id":           j.ID,
			"post_id":          j.PostID,
			"platform_post_id": j.PlatformPostID,
			"platform":         j.Platform,
			"last_error":       j.LastErrorKind + ": " + j.LastError,
		},
		At: j.UpdatedAt,
	})
	if err != nil && !notifier.Inactive(err) {
		q.log.Warn("exhaustion alert not queued", logx.Err(err))
	}
}

func (q *Queue) event(j storage.RetryJob) JobEvent {
	return JobEvent{
		JobID:          j.ID,
		PlatformPostID: j.PlatformPostID,
		PostID:         j.PostID,
		Platform:       j.Platform,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		NextAttemptAt:  j.NextAttemptAt,
		Error:          j.LastError,
	}
}

// DueJobs returns pending jobs whose next attempt is at or before now.
func (q *Queue) DueJobs(ctx context.Context, now time.Time, limit int) ([]storage.RetryJob, error) {
	return q.store.DueRetryJobs(ctx, now, limit)
}

func (q *Queue) List(ctx context.Context, f storage.RetryJobFilter) ([]storage.RetryJob, error) {
	return q.store.ListRetryJobs(ctx, f)
}

func (q *Queue) Get(ctx context.Context, id string) (storage.RetryJob, error) {
	return q.store.GetRetryJob(ctx, id)
}

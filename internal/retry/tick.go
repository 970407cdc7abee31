package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"postpilot/internal/eventbus"
	"postpilot/internal/publisher"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Tick claims due jobs and runs their next attempt. It returns the number
// of attempts started. A store failure abandons the tick.
func (q *Queue) Tick(ctx context.Context) (int, error) {
	cfg := q.config()
	now := q.clock.Now()
	jobs, err := q.store.DueRetryJobs(ctx, now, cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("due retry jobs: %w", err)
	}

	started := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		ok, err := q.startJob(ctx, j)
		if err != nil {
			return started, err
		}
		if ok {
			started++
		}
	}
	return started, nil
}

func (q *Queue) startJob(ctx context.Context, j storage.RetryJob) (bool, error) {
	now := q.clock.Now()

	// Do not burn a claim on a platform whose breaker would reject it.
	if ready, retryAt := q.breakers.Get(j.Platform).Ready(); !ready {
		deferred := j
		deferred.NextAttemptAt = q.reopenTime(retryAt, now)
		deferred.UpdatedAt = now
		if _, err := q.store.TransitionRetryJob(ctx, deferred, storage.RetryPending); err != nil {
			return false, fmt.Errorf("defer retry job %s: %w", j.ID, err)
		}
		q.metrics.Retry(j.Platform, "deferred")
		return false, nil
	}

	claimed := j
	claimed.Status = storage.RetryRunning
	claimed.UpdatedAt = now
	ok, err := q.store.TransitionRetryJob(ctx, claimed, storage.RetryPending)
	if err != nil {
		return false, fmt.Errorf("claim retry job %s: %w", j.ID, err)
	}
	if !ok {
		return false, nil
	}

	pp, err := q.store.GetPlatformPost(ctx, j.PlatformPostID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && pp.Status != storage.PPFailed) {
		// Resolved elsewhere.
		_, _ = q.store.DeleteRetryJob(ctx, j.ID)
		q.metrics.Retry(j.Platform, "dropped")
		return false, nil
	}
	if err != nil {
		q.release(ctx, claimed)
		return false, fmt.Errorf("load platform-post %s: %w", j.PlatformPostID, err)
	}

	run := func(c context.Context) error { return q.run(c, pp, claimed) }
	if q.dispatch == nil {
		return true, run(ctx)
	}
	if err := q.dispatch.Dispatch(ctx, pp.Platform, pp.ID, run); err != nil {
		q.release(ctx, claimed)
		q.log.Debug("retry dispatch refused", logx.String("job_id", j.ID), logx.Err(err))
		return false, nil
	}
	return true, nil
}

func (q *Queue) run(ctx context.Context, pp storage.PlatformPost, j storage.RetryJob) error {
	_, err := q.deliver.Deliver(ctx, pp, &j)
	if errors.Is(err, publisher.ErrNotClaimed) {
		q.release(ctx, j)
		return nil
	}
	// Other errors leave the job running; the stale sweep returns it.
	return err
}

// release returns a claimed job to pending without spending an attempt.
func (q *Queue) release(ctx context.Context, j storage.RetryJob) {
	j.Status = storage.RetryPending
	j.UpdatedAt = q.clock.Now()
	if _, err := q.store.TransitionRetryJob(context.WithoutCancel(ctx), j, storage.RetryRunning); err != nil {
		q.log.Warn("retry job release failed", logx.String("job_id", j.ID), logx.Err(err))
	}
}

// ResetStale returns running jobs untouched for longer than the lease to
// pending. Their delivery was interrupted before it could settle.
func (q *Queue) ResetStale(ctx context.Context) (int, error) {
	now := q.clock.Now()
	n, err := q.store.ResetStaleRetryJobs(ctx, now.Add(-q.config().Lease), now)
	if err != nil {
		return 0, fmt.Errorf("reset stale retry jobs: %w", err)
	}
	if n > 0 {
		q.log.Warn("stale retry jobs returned to pending", logx.Int("count", n))
	}
	return n, nil
}

// ManualRetry resets a job's backoff and attempt budget and runs it as soon
// as possible. It reports false when the job is currently running.
func (q *Queue) ManualRetry(ctx context.Context, jobID string) (bool, error) {
	j, err := q.store.GetRetryJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.Status == storage.RetryRunning {
		return false, nil
	}
	from := j.Status
	now := q.clock.Now()
	j.Status = storage.RetryPending
	j.Kind = storage.RetryManual
	j.Attempts = 0
	j.MaxAttempts = q.config().PolicyFor(j.Platform).MaxAttempts
	j.NextAttemptAt = now
	j.UpdatedAt = now
	ok, err := q.store.TransitionRetryJob(ctx, j, from)
	if err != nil || !ok {
		return false, err
	}
	q.metrics.Retry(j.Platform, "manual")
	q.log.Info("manual retry requested", logx.String("job_id", j.ID), logx.String("platform", j.Platform))
	q.kickNow()
	return true, nil
}

// EnqueueManual creates a manual job for a failed platform-post that has
// none, or resets the existing one.
func (q *Queue) EnqueueManual(ctx context.Context, pp storage.PlatformPost) (storage.RetryJob, error) {
	if pp.Status != storage.PPFailed {
		return storage.RetryJob{}, fmt.Errorf("%w: platform-post %s is %s", storage.ErrInvalidTransition, pp.ID, pp.Status)
	}
	now := q.clock.Now()
	j := storage.RetryJob{
		ID:             uuid.NewString(),
		PlatformPostID: pp.ID,
		PostID:         pp.PostID,
		Platform:       pp.Platform,
		Kind:           storage.RetryManual,
		Status:         storage.RetryPending,
		MaxAttempts:    q.config().PolicyFor(pp.Platform).MaxAttempts,
		NextAttemptAt:  now,
		LastErrorKind:  pp.LastErrorKind,
		LastError:      pp.LastError,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	got, created, err := q.store.InsertRetryJob(ctx, j)
	if err != nil {
		return storage.RetryJob{}, fmt.Errorf("insert retry job: %w", err)
	}
	if !created {
		if _, err := q.ManualRetry(ctx, got.ID); err != nil {
			return storage.RetryJob{}, err
		}
		return q.store.GetRetryJob(ctx, got.ID)
	}
	q.metrics.Retry(got.Platform, "manual")
	eventbus.Emit(q.bus, eventbus.RetryEnqueued, now, q.event(got))
	q.kickNow()
	return got, nil
}

// Cancel removes a job that is not running. It reports false when the job
// is running or already gone.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	j, err := q.store.GetRetryJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if j.Status == storage.RetryRunning {
		return false, nil
	}
	ok, err := q.store.DeleteRetryJob(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	q.metrics.Retry(j.Platform, "cancelled")
	eventbus.Emit(q.bus, eventbus.RetryCancelled, q.clock.Now(), q.event(j))
	q.log.Info("retry job cancelled", logx.String("job_id", j.ID), logx.String("platform", j.Platform))
	return true, nil
}

func (q *Queue) kickNow() {
	q.mu.RLock()
	kick := q.kick
	q.mu.RUnlock()
	if kick != nil {
		kick()
	}
}

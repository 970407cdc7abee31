package engine

import (
	"context"
	"errors"
	"fmt"

	"postpilot/internal/breaker"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func (e *Engine) ListRetryJobs(ctx context.Context, f storage.RetryJobFilter) ([]storage.RetryJob, error) {
	return e.queue.List(ctx, f)
}

func (e *Engine) GetRetryJob(ctx context.Context, id string) (storage.RetryJob, error) {
	return e.queue.Get(ctx, id)
}

// ManualRetry resets the job's backoff and attempt budget and makes it due
// now. It reports false while the job is running.
func (e *Engine) ManualRetry(ctx context.Context, jobID string) (bool, error) {
	return e.queue.ManualRetry(ctx, jobID)
}

// CancelRetryJob removes a job that is not running. The platform-post stays
// failed.
func (e *Engine) CancelRetryJob(ctx context.Context, jobID string) (bool, error) {
	return e.queue.Cancel(ctx, jobID)
}

// RetryFailed queues a manual retry for every failed platform-post of a
// post, including permanent failures. It returns the number queued.
func (e *Engine) RetryFailed(ctx context.Context, postID, ownerID string) (int, error) {
	p, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return 0, err
	}
	if ownerID != "" && p.OwnerID != ownerID {
		return 0, storage.ErrNotFound
	}
	n := 0
	for _, pp := range p.PlatformPosts {
		if pp.Status != storage.PPFailed {
			continue
		}
		j, err := e.queue.EnqueueManual(ctx, pp)
		if errors.Is(err, storage.ErrInvalidTransition) {
			// Claimed since we read the post.
			continue
		}
		if err != nil {
			return n, fmt.Errorf("retry %s: %w", pp.ID, err)
		}
		if j.Status == storage.RetryPending {
			n++
		}
	}
	if n > 0 {
		e.log.Info("failed deliveries requeued", logx.String("post_id", postID), logx.Int("count", n))
	}
	return n, nil
}

func (e *Engine) CircuitBreakerStatus(platform string) breaker.Status {
	return e.breakers.Status(platform)
}

func (e *Engine) CircuitBreakerStatuses() []breaker.Status {
	return e.breakers.Statuses()
}

// ResetCircuitBreaker forces a platform's breaker closed. It reports false
// when it already was.
func (e *Engine) ResetCircuitBreaker(platform string) bool {
	ok := e.breakers.Reset(platform)
	if ok {
		e.log.Info("circuit reset by operator", logx.String("platform", platform))
	}
	return ok
}

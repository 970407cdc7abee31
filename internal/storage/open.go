package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "postpilot/pkg/logx"
)

// Store is the persistence API used by the engine, scheduler and retry queue.
type Store interface {
	CreatePost(ctx context.Context, in NewPost) (Post, error)
	GetPost(ctx context.Context, id string) (Post, error)
	// FindDuePosts returns posts with pending platform-posts whose due time
	// is at or before now, ordered by due time ascending.
	FindDuePosts(ctx context.Context, now time.Time, limit int) ([]Post, error)
	// SchedulePost moves a draft (or not yet started scheduled) post to
	// scheduled with the given due time.
	SchedulePost(ctx context.Context, id, ownerID string, at time.Time, now time.Time) (bool, error)
	// CancelPost is the conditional transition scheduled -> cancelled.
	CancelPost(ctx context.Context, id, ownerID string, now time.Time) (bool, error)

	GetPlatformPost(ctx context.Context, id string) (PlatformPost, error)
	// TransitionPlatformPost is an atomic compare-and-set on the platform-post
	// status. It reports false when the current status is not from, or when a
	// claim targets a post that is cancelled or still a draft.
	TransitionPlatformPost(ctx context.Context, id string, from, to PlatformPostStatus, f Fields) (bool, error)
	// StalePlatformPosts lists platform-posts stuck in publishing since before cutoff.
	StalePlatformPosts(ctx context.Context, cutoff time.Time, limit int) ([]PlatformPost, error)

	// InsertRetryJob stores j unless the platform-post already has a job, in
	// which case the existing job is returned with created=false.
	InsertRetryJob(ctx context.Context, j RetryJob) (job RetryJob, created bool, err error)
	GetRetryJob(ctx context.Context, id string) (RetryJob, error)
	GetRetryJobByPlatformPost(ctx context.Context, platformPostID string) (RetryJob, error)
	ListRetryJobs(ctx context.Context, f RetryJobFilter) ([]RetryJob, error)
	// DueRetryJobs returns pending jobs with next attempt at or before now,
	// ordered by next attempt ascending.
	DueRetryJobs(ctx context.Context, now time.Time, limit int) ([]RetryJob, error)
	// TransitionRetryJob is a compare-and-set on the job status that also
	// writes the remaining mutable fields of j.
	TransitionRetryJob(ctx context.Context, j RetryJob, from RetryStatus) (bool, error)
	DeleteRetryJob(ctx context.Context, id string) (bool, error)
	// ResetStaleRetryJobs returns running jobs last touched before cutoff to pending.
	ResetStaleRetryJobs(ctx context.Context, cutoff, now time.Time) (int, error)
	CountActiveRetryJobs(ctx context.Context, postID string) (int, error)

	AppendAttempt(ctx context.Context, a AttemptRecord) error
	ListAttempts(ctx context.Context, platformPostID string, limit int) ([]AttemptRecord, error)

	// Dedup state for the notifier, so repeated alerts survive restarts.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQL(ctx, sqliteDriver, cfg, log)
	case "postgres", "postgresql", "pg":
		return openSQL(ctx, postgresDriver, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

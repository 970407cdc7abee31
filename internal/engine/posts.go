package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var ErrValidation = errors.New("validation failed")

// ValidationError rejects a post request. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Rules constrain what CreatePost accepts.
type Rules struct {
	// Platforms allowed as targets. Empty means platform.Known.
	Platforms []string
	// MaxContentLength in characters. Default 5000.
	MaxContentLength int
	// PlatformMaxLength tightens MaxContentLength per platform.
	PlatformMaxLength map[string]int
	// MaxImages per post. Default 10.
	MaxImages int
}

func (r Rules) withDefaults() Rules {
	if len(r.Platforms) == 0 {
		r.Platforms = append([]string(nil), platform.Known...)
	}
	if r.MaxContentLength <= 0 {
		r.MaxContentLength = 5000
	}
	if r.MaxImages <= 0 {
		r.MaxImages = 10
	}
	return r
}

func (r Rules) allowed(name string) bool {
	for _, p := range r.Platforms {
		if platform.Normalize(p) == name {
			return true
		}
	}
	return false
}

func (r Rules) limitFor(name string) int {
	for k, v := range r.PlatformMaxLength {
		if platform.Normalize(k) == name && v > 0 && v < r.MaxContentLength {
			return v
		}
	}
	return r.MaxContentLength
}

// PostRequest is the input of CreatePost.
type PostRequest struct {
	OwnerID   string
	Content   string
	Platforms []string
	// ScheduledAt nil publishes immediately. A time in the past is due at once.
	ScheduledAt *time.Time
	// Draft keeps the post out of the scheduler until SchedulePost or
	// PublishNow.
	Draft    bool
	Source   storage.PostSource
	Images   []string
	Hashtags []string
}

func (e *Engine) validate(req PostRequest) ([]string, error) {
	r := e.rules()
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, invalid("owner_id", "required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalid("content", "required")
	}
	if req.Source != "" && !req.Source.Valid() {
		return nil, invalid("source", "unknown source %q", req.Source)
	}
	if len(req.Images) > r.MaxImages {
		return nil, invalid("images", "at most %d images", r.MaxImages)
	}

	seen := make(map[string]bool, len(req.Platforms))
	var platforms []string
	for _, p := range req.Platforms {
		name := platform.Normalize(p)
		if name == "" || seen[name] {
			continue
		}
		if !r.allowed(name) {
			return nil, invalid("platforms", "unsupported platform %q", p)
		}
		seen[name] = true
		platforms = append(platforms, name)
	}
	if len(platforms) == 0 {
		return nil, invalid("platforms", "at least one platform required")
	}

	n := utf8.RuneCountInString(req.Content)
	for _, p := range platforms {
		if limit := r.limitFor(p); n > limit {
			return nil, invalid("content", "%d characters exceeds the %s limit of %d", n, p, limit)
		}
	}
	return platforms, nil
}

// CreatePost validates req and stores the post with one pending
// platform-post per target platform.
func (e *Engine) CreatePost(ctx context.Context, req PostRequest) (storage.Post, error) {
	platforms, err := e.validate(req)
	if err != nil {
		return storage.Post{}, err
	}

	now := e.clock.Now().UTC()
	p := storage.Post{
		ID:        uuid.NewString(),
		OwnerID:   strings.TrimSpace(req.OwnerID),
		Content:   req.Content,
		Images:    req.Images,
		Hashtags:  req.Hashtags,
		Source:    req.Source,
		Platforms: platforms,
		DueAt:     now,
		Status:    storage.PostScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.Source == "" {
		p.Source = storage.SourceManual
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		p.ScheduledAt = &at
		p.DueAt = at
	}
	if req.Draft {
		p.Status = storage.PostDraft
	}

	in := storage.NewPost{Post: p}
	for _, name := range platforms {
		in.PlatformPosts = append(in.PlatformPosts, storage.PlatformPost{
			ID:        uuid.NewString(),
			PostID:    p.ID,
			Platform:  name,
			Content:   req.Content,
			Status:    storage.PPPending,
			UpdatedAt: now,
		})
	}
	created, err := e.store.CreatePost(ctx, in)
	if err != nil {
		return storage.Post{}, fmt.Errorf("create post: %w", err)
	}

	eventbus.Emit(e.bus, eventbus.PostCreated, now, created.ID)
	e.log.Info("post created",
		logx.String("post_id", created.ID),
		logx.String("owner_id", created.OwnerID),
		logx.String("status", string(created.Status)),
		logx.Time("due_at", created.DueAt),
		logx.Any("platforms", platforms),
	)
	if created.Status == storage.PostScheduled && !created.DueAt.After(now) {
		e.kick(LoopDuePosts)
	}
	return created, nil
}

// SchedulePost sets the due time of a draft or not yet started post. It
// reports false when delivery has already begun.
func (e *Engine) SchedulePost(ctx context.Context, id, ownerID string, at time.Time) (bool, error) {
	now := e.clock.Now()
	ok, err := e.store.SchedulePost(ctx, id, ownerID, at, now)
	if err != nil || !ok {
		return false, err
	}
	e.log.Info("post scheduled", logx.String("post_id", id), logx.Time("due_at", at))
	if !at.After(now) {
		e.kick(LoopDuePosts)
	}
	return true, nil
}

// PublishNow makes a draft or scheduled post due immediately.
func (e *Engine) PublishNow(ctx context.Context, id, ownerID string) (bool, error) {
	return e.SchedulePost(ctx, id, ownerID, e.clock.Now())
}

// CancelPost cancels a scheduled post that no worker has claimed yet. It
// reports false once any delivery started; in-flight deliveries are not
// aborted.
func (e *Engine) CancelPost(ctx context.Context, id, ownerID string) (bool, error) {
	now := e.clock.Now()
	ok, err := e.store.CancelPost(ctx, id, ownerID, now)
	if err != nil || !ok {
		return false, err
	}
	eventbus.Emit(e.bus, eventbus.PostCancelled, now, id)
	e.log.Info("post cancelled", logx.String("post_id", id))
	return true, nil
}

// PostStatus is a post with its platform-posts and retry jobs.
type PostStatus struct {
	Post storage.Post
	// Jobs by platform-post id.
	Jobs map[string]storage.RetryJob
}

// GetPostStatus returns the post as ownerID sees it. An empty ownerID
// skips the ownership check (operator access).
func (e *Engine) GetPostStatus(ctx context.Context, id, ownerID string) (PostStatus, error) {
	p, err := e.store.GetPost(ctx, id)
	if err != nil {
		return PostStatus{}, err
	}
	if ownerID != "" && p.OwnerID != ownerID {
		return PostStatus{}, storage.ErrNotFound
	}
	jobs, err := e.store.ListRetryJobs(ctx, storage.RetryJobFilter{PostID: id})
	if err != nil {
		return PostStatus{}, fmt.Errorf("list retry jobs: %w", err)
	}
	st := PostStatus{Post: p, Jobs: make(map[string]storage.RetryJob, len(jobs))}
	for _, j := range jobs {
		st.Jobs[j.PlatformPostID] = j
	}
	return st, nil
}

// ListAttempts returns the delivery log of one platform-post, newest first.
func (e *Engine) ListAttempts(ctx context.Context, platformPostID string, limit int) ([]storage.AttemptRecord, error) {
	return e.store.ListAttempts(ctx, platformPostID, limit)
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore keeps everything in maps behind one mutex. Every method holds the
// lock for its whole duration, which gives the same atomicity the SQL
// drivers get from transactions.
type memStore struct {
	mu     sync.Mutex
	closed bool

	posts    map[string]*Post
	pps      map[string]*PlatformPost
	byPost   map[string][]string // post id -> platform-post ids, creation order
	jobs     map[string]*RetryJob
	jobsByPP map[string]string
	attempts []AttemptRecord
	dedup    map[string]time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		posts:    make(map[string]*Post),
		pps:      make(map[string]*PlatformPost),
		byPost:   make(map[string][]string),
		jobs:     make(map[string]*RetryJob),
		jobsByPP: make(map[string]string),
		dedup:    make(map[string]time.Time),
	}
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) CreatePost(ctx context.Context, in NewPost) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Post{}, ErrClosed
	}
	if _, ok := m.posts[in.Post.ID]; ok {
		return Post{}, ErrConflict
	}

	p := clonePost(in.Post)
	p.PlatformPosts = nil
	m.posts[p.ID] = &p
	ids := make([]string, 0, len(in.PlatformPosts))
	for _, pp := range in.PlatformPosts {
		cp := pp
		m.pps[cp.ID] = &cp
		ids = append(ids, cp.ID)
	}
	m.byPost[p.ID] = ids
	return m.loadLocked(p.ID), nil
}

func (m *memStore) loadLocked(id string) Post {
	p := clonePost(*m.posts[id])
	for _, ppID := range m.byPost[id] {
		p.PlatformPosts = append(p.PlatformPosts, *m.pps[ppID])
	}
	return p
}

func (m *memStore) GetPost(ctx context.Context, id string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return Post{}, ErrNotFound
	}
	return m.loadLocked(id), nil
}

func (m *memStore) FindDuePosts(ctx context.Context, now time.Time, limit int) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var due []Post
	for id, p := range m.posts {
		if p.Status != PostScheduled && p.Status != PostPublishing {
			continue
		}
		if p.DueAt.After(now) {
			continue
		}
		hasPending := false
		for _, ppID := range m.byPost[id] {
			if m.pps[ppID].Status == PPPending {
				hasPending = true
				break
			}
		}
		if hasPending {
			due = append(due, m.loadLocked(id))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) SchedulePost(ctx context.Context, id, ownerID string, at, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok || (ownerID != "" && p.OwnerID != ownerID) {
		return false, ErrNotFound
	}
	if p.Status != PostDraft && p.Status != PostScheduled {
		return false, nil
	}
	at = at.UTC()
	p.ScheduledAt = &at
	p.DueAt = at
	p.Status = PostScheduled
	p.UpdatedAt = now
	return true, nil
}

func (m *memStore) CancelPost(ctx context.Context, id, ownerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok || (ownerID != "" && p.OwnerID != ownerID) {
		return false, ErrNotFound
	}
	if p.Status != PostScheduled {
		return false, nil
	}
	p.Status = PostCancelled
	p.UpdatedAt = now
	return true, nil
}

func (m *memStore) GetPlatformPost(ctx context.Context, id string) (PlatformPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pp, ok := m.pps[id]
	if !ok {
		return PlatformPost{}, ErrNotFound
	}
	return *pp, nil
}

func (m *memStore) TransitionPlatformPost(ctx context.Context, id string, from, to PlatformPostStatus, f Fields) (bool, error) {
	if err := checkTransition(from, to, f); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	pp, ok := m.pps[id]
	if !ok {
		return false, ErrNotFound
	}
	if pp.Status != from {
		return false, nil
	}
	p := m.posts[pp.PostID]
	if to == PPPublishing && !claimable(p.Status) {
		return false, nil
	}

	apply(pp, from, to, f)

	statuses := make([]PlatformPostStatus, 0, len(m.byPost[p.ID]))
	for _, ppID := range m.byPost[p.ID] {
		statuses = append(statuses, m.pps[ppID].Status)
	}
	p.Status = DeriveStatus(restingStatus(p), statuses)
	p.UpdatedAt = f.At
	return true, nil
}

func (m *memStore) StalePlatformPosts(ctx context.Context, cutoff time.Time, limit int) ([]PlatformPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PlatformPost
	for _, pp := range m.pps {
		if pp.Status == PPPublishing && pp.ClaimedAt.Before(cutoff) {
			out = append(out, *pp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) InsertRetryJob(ctx context.Context, j RetryJob) (RetryJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return RetryJob{}, false, ErrClosed
	}
	if id, ok := m.jobsByPP[j.PlatformPostID]; ok {
		return *m.jobs[id], false, nil
	}
	cp := j
	m.jobs[cp.ID] = &cp
	m.jobsByPP[cp.PlatformPostID] = cp.ID
	return cp, true, nil
}

func (m *memStore) GetRetryJob(ctx context.Context, id string) (RetryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return RetryJob{}, ErrNotFound
	}
	return *j, nil
}

func (m *memStore) GetRetryJobByPlatformPost(ctx context.Context, platformPostID string) (RetryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.jobsByPP[platformPostID]
	if !ok {
		return RetryJob{}, ErrNotFound
	}
	return *m.jobs[id], nil
}

func (m *memStore) ListRetryJobs(ctx context.Context, f RetryJobFilter) ([]RetryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RetryJob
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Platform != "" && j.Platform != f.Platform {
			continue
		}
		if f.PostID != "" && j.PostID != f.PostID {
			continue
		}
		out = append(out, *j)
	}
	sortJobs(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) DueRetryJobs(ctx context.Context, now time.Time, limit int) ([]RetryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []RetryJob
	for _, j := range m.jobs {
		if j.Status == RetryPending && !j.NextAttemptAt.After(now) {
			out = append(out, *j)
		}
	}
	sortJobs(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) TransitionRetryJob(ctx context.Context, j RetryJob, from RetryStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	cur, ok := m.jobs[j.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = j.Status
	cur.Kind = j.Kind
	cur.Attempts = j.Attempts
	cur.MaxAttempts = j.MaxAttempts
	cur.NextAttemptAt = j.NextAttemptAt
	cur.LastErrorKind = j.LastErrorKind
	cur.LastError = j.LastError
	cur.UpdatedAt = j.UpdatedAt
	return true, nil
}

func (m *memStore) DeleteRetryJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	delete(m.jobsByPP, j.PlatformPostID)
	delete(m.jobs, id)
	return true, nil
}

func (m *memStore) ResetStaleRetryJobs(ctx context.Context, cutoff, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == RetryRunning && j.UpdatedAt.Before(cutoff) {
			j.Status = RetryPending
			j.NextAttemptAt = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountActiveRetryJobs(ctx context.Context, postID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.PostID == postID && j.Active() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) AppendAttempt(ctx context.Context, a AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memStore) ListAttempts(ctx context.Context, platformPostID string, limit int) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AttemptRecord
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if platformPostID != "" && a.PlatformPostID != platformPostID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

// restingStatus is the status a post falls back to while nothing has started.
func restingStatus(p *Post) PostStatus {
	switch p.Status {
	case PostDraft, PostCancelled:
		return p.Status
	}
	return PostScheduled
}

func sortJobs(js []RetryJob) {
	sort.Slice(js, func(i, j int) bool {
		if js[i].NextAttemptAt.Equal(js[j].NextAttemptAt) {
			return js[i].ID < js[j].ID
		}
		return js[i].NextAttemptAt.Before(js[j].NextAttemptAt)
	})
}

func clonePost(p Post) Post {
	cp := p
	cp.Images = append([]string(nil), p.Images...)
	cp.Hashtags = append([]string(nil), p.Hashtags...)
	cp.Platforms = append([]string(nil), p.Platforms...)
	if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		cp.ScheduledAt = &t
	}
	cp.PlatformPosts = append([]PlatformPost(nil), p.PlatformPosts...)
	return cp
}

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "postpilot.db"),
		BusyTimeout: 2 * time.Second,
		AutoMigrate: true,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		fn(t, openTestSQLite(t))
	})
}

func newTestPost(id string, due time.Time, platforms ...string) NewPost {
	p := Post{
		ID:        id,
		OwnerID:   "owner-1",
		Content:   "hello " + id,
		Hashtags:  []string{"#go"},
		Source:    SourceManual,
		Platforms: platforms,
		DueAt:     due,
		Status:    PostScheduled,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	sched := due
	p.ScheduledAt = &sched
	in := NewPost{Post: p}
	for _, pl := range platforms {
		in.PlatformPosts = append(in.PlatformPosts, PlatformPost{
			ID:        id + "-" + pl,
			PostID:    id,
			Platform:  pl,
			Content:   p.Content,
			Status:    PPPending,
			UpdatedAt: t0,
		})
	}
	return in
}

func TestStoreCreateAndGet(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		created, err := st.CreatePost(ctx, newTestPost("p1", t0, "facebook", "x"))
		require.NoError(t, err)
		require.Equal(t, PostScheduled, created.Status)
		require.Len(t, created.PlatformPosts, 2)
		require.Equal(t, "facebook", created.PlatformPosts[0].Platform)
		require.Equal(t, []string{"#go"}, created.Hashtags)
		require.NotNil(t, created.ScheduledAt)
		require.True(t, created.ScheduledAt.Equal(t0))

		_, err = st.GetPost(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreFindDuePostsOrdering(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.CreatePost(ctx, newTestPost("late", t0.Add(-time.Minute), "x"))
		require.NoError(t, err)
		_, err = st.CreatePost(ctx, newTestPost("early", t0.Add(-time.Hour), "x"))
		require.NoError(t, err)
		_, err = st.CreatePost(ctx, newTestPost("future", t0.Add(time.Hour), "x"))
		require.NoError(t, err)

		due, err := st.FindDuePosts(ctx, t0, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		require.Equal(t, "early", due[0].ID)
		require.Equal(t, "late", due[1].ID)
		require.Len(t, due[0].PlatformPosts, 1)

		due, err = st.FindDuePosts(ctx, t0, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
	})
}

func TestStoreTransitionRecomputesAggregate(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.CreatePost(ctx, newTestPost("p1", t0, "facebook", "x"))
		require.NoError(t, err)

		ok, err := st.TransitionPlatformPost(ctx, "p1-facebook", PPPending, PPPublishing, Fields{At: t0})
		require.NoError(t, err)
		require.True(t, ok)
		requireStatus(t, st, "p1", PostPublishing)

		// Partially claimed posts stay visible to the scheduler.
		due, err := st.FindDuePosts(ctx, t0, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		ok, err = st.TransitionPlatformPost(ctx, "p1-facebook", PPPublishing, PPPublished, Fields{At: t0, ExternalID: "fb-1"})
		require.NoError(t, err)
		require.True(t, ok)
		requireStatus(t, st, "p1", PostPublishing)

		ok, err = st.TransitionPlatformPost(ctx, "p1-x", PPPending, PPPublishing, Fields{At: t0})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = st.TransitionPlatformPost(ctx, "p1-x", PPPublishing, PPFailed, Fields{At: t0, ErrorKind: "content_rejected", ErrorMessage: "too long"})
		require.NoError(t, err)
		require.True(t, ok)
		requireStatus(t, st, "p1", PostFailed)

		pp, err := st.GetPlatformPost(ctx, "p1-x")
		require.NoError(t, err)
		require.Equal(t, PPFailed, pp.Status)
		require.Equal(t, "content_rejected", pp.LastErrorKind)
		require.Equal(t, "too long", pp.LastError)

		pub, err := st.GetPlatformPost(ctx, "p1-facebook")
		require.NoError(t, err)
		require.Equal(t, "fb-1", pub.ExternalID)

		due, err = st.FindDuePosts(ctx, t0, 10)
		require.NoError(t, err)
		require.Empty(t, due)
	})
}

func TestStoreTransitionMismatchReturnsFalse(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.CreatePost(ctx, newTestPost("p1", t0, "x"))
		require.NoError(t, err)

		ok, err := st.TransitionPlatformPost(ctx, "p1-x", PPFailed, PPPublishing, Fields{At: t0})
		require.NoError(t, err)
		require.False(t, ok)

		_, err = st.TransitionPlatformPost(ctx, "nope", PPPending, PPPublishing, Fields{At: t0})
		require.ErrorIs(t, err, ErrNotFound)

		_, err = st.TransitionPlatformPost(ctx, "p1-x", PPPending, PPPublished, Fields{At: t0, ExternalID: "e"})
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestStoreConcurrentClaimExactlyOneWins(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.CreatePost(ctx, newTestPost("p1", t0, "x"))
		require.NoError(t, err)

		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.TransitionPlatformPost(ctx, "p1-x", PPPending, PPPublishing, Fields{At: t0})
				if err != nil {
					errs <- err
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, int32(1), wins.Load())
	})
}

func TestStoreCancelPost(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.CreatePost(ctx, newTestPost("future", t0.Add(time.Hour), "x"))
		require.NoError(t, err)
		_, err = st.CreatePost(ctx, newTestPost("claimed", t0.Add(-time.Minute), "x"))
		require.NoError(t, err)

		ok, err := st.CancelPost(ctx, "future", "owner-1", t0)
		require.NoError(t, err)
		require.True(t, ok)
		requireStatus(t, st, "future", PostCancelled)

		// Cancelled posts are never claimable or due.
		ok, err = st.TransitionPlatformPost(ctx, "future-x", PPPending, PPPublishing, Fields{At: t0})
		require.NoError(t, err)
		require.False(t, ok)
		due, err := st.FindDuePosts(ctx, t0.Add(2*time.Hour), 10)
		require.NoError(t, err)
		for _, p := range due {
			require.NotEqual(t, "future", p.ID)
		}

		ok, err = st.TransitionPlatformPost(ctx, "claimed-x", PPPending, PPPublishing, Fields{At: t0})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = st.CancelPost(ctx, "claimed", "owner-1", t0)
		require.NoError(t, err)
		require.False(t, ok)

		_, err = st.CancelPost(ctx, "future", "someone-else", t0)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = st.CancelPost(ctx, "missing", "", t0)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreSchedulePostFromDraft(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		in := newTestPost("d1", t0, "x")
		in.Post.Status = PostDraft
		in.Post.ScheduledAt = nil
		_, err := st.CreatePost(ctx, in)
		require.NoError(t, err)

		// Drafts are never claimed.
		ok, err := st.TransitionPlatformPost(ctx, "d1-x", PPPending, PPPublishing, Fields{At: t0})
		require.NoError(t, err)
		require.False(t, ok)

		at := t0.Add(30 * time.Minute)
		ok, err = st.SchedulePost(ctx, "d1", "owner-1", at, t0)
		require.NoError(t, err)
		require.True(t, ok)

		p, err := st.GetPost(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, PostScheduled, p.Status)
		require.True(t, p.DueAt.Equal(at))
	})
}

func TestStoreRetryJobs(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.CreatePost(ctx, newTestPost("p1", t0, "facebook", "x"))
		require.NoError(t, err)

		job := RetryJob{
			ID: "j1", PlatformPostID: "p1-x", PostID: "p1", Platform: "x",
			Kind: RetryPublish, Status: RetryPending, Attempts: 1, MaxAttempts: 3,
			NextAttemptAt: t0.Add(10 * time.Second), LastErrorKind: "network_timeout",
			CreatedAt: t0, UpdatedAt: t0,
		}
		got, created, err := st.InsertRetryJob(ctx, job)
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, 1, got.Attempts)

		dup := job
		dup.ID = "j2"
		got, created, err = st.InsertRetryJob(ctx, dup)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, "j1", got.ID)

		due, err := st.DueRetryJobs(ctx, t0, 10)
		require.NoError(t, err)
		require.Empty(t, due)
		due, err = st.DueRetryJobs(ctx, t0.Add(10*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		claim := due[0]
		claim.Status = RetryRunning
		claim.UpdatedAt = t0
		ok, err := st.TransitionRetryJob(ctx, claim, RetryPending)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = st.TransitionRetryJob(ctx, claim, RetryPending)
		require.NoError(t, err)
		require.False(t, ok)

		n, err := st.CountActiveRetryJobs(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		reset, err := st.ResetStaleRetryJobs(ctx, t0.Add(time.Minute), t0.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, reset)

		exhausted := claim
		exhausted.Status = RetryExhausted
		exhausted.Attempts = 3
		ok, err = st.TransitionRetryJob(ctx, exhausted, RetryPending)
		require.NoError(t, err)
		require.True(t, ok)

		list, err := st.ListRetryJobs(ctx, RetryJobFilter{Status: RetryExhausted})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, 3, list[0].Attempts)
		n, err = st.CountActiveRetryJobs(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, 0, n)

		deleted, err := st.DeleteRetryJob(ctx, "j1")
		require.NoError(t, err)
		require.True(t, deleted)
		_, err = st.GetRetryJob(ctx, "j1")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = st.TransitionRetryJob(ctx, exhausted, RetryExhausted)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreStaleAndAttempts(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, err := st.CreatePost(ctx, newTestPost("p1", t0, "x"))
		require.NoError(t, err)
		ok, err := st.TransitionPlatformPost(ctx, "p1-x", PPPending, PPPublishing, Fields{At: t0})
		require.NoError(t, err)
		require.True(t, ok)

		stale, err := st.StalePlatformPosts(ctx, t0.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		stale, err = st.StalePlatformPosts(ctx, t0, 10)
		require.NoError(t, err)
		require.Empty(t, stale)

		for i := 0; i < 3; i++ {
			require.NoError(t, st.AppendAttempt(ctx, AttemptRecord{
				PlatformPostID: "p1-x", PostID: "p1", Platform: "x",
				At: t0.Add(time.Duration(i) * time.Second), Duration: 250 * time.Millisecond,
				Outcome: fmt.Sprintf("failed-%d", i), ErrorKind: "unknown",
			}))
		}
		got, err := st.ListAttempts(ctx, "p1-x", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "failed-2", got[0].Outcome)
		require.Equal(t, 250*time.Millisecond, got[0].Duration)
	})
}

func TestStoreDedup(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_, ok, err := st.GetDedup(ctx, "k")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, st.PutDedup(ctx, "k", t0))
		require.NoError(t, st.PutDedup(ctx, "k", t0.Add(time.Minute)))
		until, ok, err := st.GetDedup(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, until.Equal(t0.Add(time.Minute)))
	})
}

func requireStatus(t *testing.T, st Store, id string, want PostStatus) {
	t.Helper()
	p, err := st.GetPost(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, p.Status)

	statuses := make([]PlatformPostStatus, 0, len(p.PlatformPosts))
	for _, pp := range p.PlatformPosts {
		statuses = append(statuses, pp.Status)
	}
	if want != PostCancelled && want != PostDraft {
		require.Equal(t, DeriveStatus(PostScheduled, statuses), p.Status)
	}
}

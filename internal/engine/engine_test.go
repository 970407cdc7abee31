package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"postpilot/internal/breaker"
	"postpilot/internal/clock"
	"postpilot/internal/metrics"
	"postpilot/internal/notifier"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
)

var t0 = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

type recordNotifier struct {
	mu    sync.Mutex
	kinds []notifier.Kind
}

func (r *recordNotifier) Notify(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	r.kinds = append(r.kinds, n.Kind)
	r.mu.Unlock()
	return nil
}

func (r *recordNotifier) count(kind notifier.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// scripted answers per platform; unscripted platforms succeed.
type scripted struct {
	mu    sync.Mutex
	fns   map[string]func() (string, error)
	calls map[string]int
}

func newScripted() *scripted {
	return &scripted{fns: map[string]func() (string, error){}, calls: map[string]int{}}
}

func (s *scripted) Publish(_ context.Context, name string, c platform.Content) (string, error) {
	s.mu.Lock()
	s.calls[name]++
	fn := s.fns[name]
	s.mu.Unlock()
	if fn == nil {
		return "ext-" + c.PlatformPostID, nil
	}
	return fn()
}

func (s *scripted) set(name string, fn func() (string, error)) {
	s.mu.Lock()
	s.fns[name] = fn
	s.mu.Unlock()
}

func (s *scripted) callsTo(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func failWith(kind platform.Kind) func() (string, error) {
	return func() (string, error) { return "", platform.NewError(kind, "scripted "+string(kind)) }
}

type fixture struct {
	eng     *Engine
	store   storage.Store
	clock   *clock.Fake
	pub     *scripted
	notify  *recordNotifier
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemory(),
		clock:   clock.NewFake(t0),
		pub:     newScripted(),
		notify:  &recordNotifier{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	opts = append([]Option{
		WithClock(f.clock),
		WithNotifier(f.notify),
		WithMetrics(f.metrics),
		WithInlineDelivery(),
	}, opts...)
	eng, err := New(cfg, f.store, f.pub, opts...)
	require.NoError(t, err)
	f.eng = eng
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func (f *fixture) create(t *testing.T, req PostRequest) storage.Post {
	t.Helper()
	if req.OwnerID == "" {
		req.OwnerID = "owner-1"
	}
	if req.Content == "" {
		req.Content = "launch day"
	}
	p, err := f.eng.CreatePost(context.Background(), req)
	require.NoError(t, err)
	return p
}

func (f *fixture) run(t *testing.T, loop string) {
	t.Helper()
	require.NoError(t, f.eng.RunLoop(context.Background(), loop))
}

func (f *fixture) status(t *testing.T, id string) PostStatus {
	t.Helper()
	st, err := f.eng.GetPostStatus(context.Background(), id, "")
	require.NoError(t, err)
	return st
}

func TestCreatePostValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Posts: Rules{PlatformMaxLength: map[string]int{"X": 10}}})
	cases := []struct {
		name  string
		req   PostRequest
		field string
	}{
		{"no owner", PostRequest{Content: "hi", Platforms: []string{"facebook"}}, "owner_id"},
		{"no content", PostRequest{OwnerID: "o", Content: "  ", Platforms: []string{"facebook"}}, "content"},
		{"no platforms", PostRequest{OwnerID: "o", Content: "hi"}, "platforms"},
		{"blank platforms", PostRequest{OwnerID: "o", Content: "hi", Platforms: []string{" ", ""}}, "platforms"},
		{"unknown platform", PostRequest{OwnerID: "o", Content: "hi", Platforms: []string{"myspace"}}, "platforms"},
		{"bad source", PostRequest{OwnerID: "o", Content: "hi", Platforms: []string{"x"}, Source: "rss"}, "source"},
		{"too long", PostRequest{OwnerID: "o", Content: strings.Repeat("a", 5001), Platforms: []string{"facebook"}}, "content"},
		{"too long for x", PostRequest{OwnerID: "o", Content: "eleven char", Platforms: []string{"facebook", "x"}}, "content"},
		{"too many images", PostRequest{OwnerID: "o", Content: "hi", Platforms: []string{"x"}, Images: make([]string, 11)}, "images"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.CreatePost(context.Background(), tc.req)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tc.field, ve.Field)
		})
	}

	// Multi-byte characters count once.
	p := f.create(t, PostRequest{Content: strings.Repeat("é", 10), Platforms: []string{"x", "X ", "facebook"}})
	require.Equal(t, []string{"x", "facebook"}, p.Platforms)
	require.Len(t, p.PlatformPosts, 2)
	require.Equal(t, storage.SourceManual, p.Source)
}

func TestImmediatePostPublishes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	p := f.create(t, PostRequest{Platforms: []string{"facebook", "instagram"}})
	require.Equal(t, storage.PostScheduled, p.Status)
	require.Nil(t, p.ScheduledAt)
	require.Equal(t, t0, p.DueAt)

	f.run(t, LoopDuePosts)
	st := f.status(t, p.ID)
	require.Equal(t, storage.PostPublished, st.Post.Status)
	for _, pp := range st.Post.PlatformPosts {
		require.Equal(t, storage.PPPublished, pp.Status)
		require.Equal(t, "ext-"+pp.ID, pp.ExternalID)
	}
	require.Empty(t, st.Jobs)

	attempts, err := f.eng.ListAttempts(context.Background(), st.Post.PlatformPosts[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LoopRuns.WithLabelValues(LoopDuePosts, "ok")))
}

func TestCancelScheduledPost(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	at := t0.Add(time.Hour)
	p := f.create(t, PostRequest{Platforms: []string{"facebook"}, ScheduledAt: &at})

	_, err := f.eng.CancelPost(ctx, p.ID, "someone-else")
	require.ErrorIs(t, err, storage.ErrNotFound)

	ok, err := f.eng.CancelPost(ctx, p.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(2 * time.Hour)
	f.run(t, LoopDuePosts)
	require.Zero(t, f.pub.callsTo("facebook"))
	require.Equal(t, storage.PostCancelled, f.status(t, p.ID).Post.Status)

	ok, err = f.eng.CancelPost(ctx, p.ID, "owner-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelAfterClaimIsRefused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.create(t, PostRequest{Platforms: []string{"facebook"}})

	// A worker claims the platform-post.
	ok, err := f.store.TransitionPlatformPost(ctx, p.PlatformPosts[0].ID, storage.PPPending, storage.PPPublishing, storage.Fields{At: t0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.eng.CancelPost(ctx, p.ID, "owner-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, storage.PostPublishing, f.status(t, p.ID).Post.Status)
}

func TestDraftWaitsForPublishNow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.create(t, PostRequest{Platforms: []string{"pinterest"}, Draft: true})
	require.Equal(t, storage.PostDraft, p.Status)

	f.run(t, LoopDuePosts)
	require.Zero(t, f.pub.callsTo("pinterest"))

	ok, err := f.eng.PublishNow(ctx, p.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	f.run(t, LoopDuePosts)
	require.Equal(t, 1, f.pub.callsTo("pinterest"))
	require.Equal(t, storage.PostPublished, f.status(t, p.ID).Post.Status)

	ok, err = f.eng.PublishNow(ctx, p.ID, "owner-1")
	require.NoError(t, err)
	require.False(t, ok, "published posts cannot be rescheduled")
}

func TestSchedulePostMovesDueTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	at := t0.Add(time.Hour)
	p := f.create(t, PostRequest{Platforms: []string{"x"}, ScheduledAt: &at})

	later := t0.Add(3 * time.Hour)
	ok, err := f.eng.SchedulePost(ctx, p.ID, "owner-1", later)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(2 * time.Hour)
	f.run(t, LoopDuePosts)
	require.Zero(t, f.pub.callsTo("x"))

	f.clock.Advance(2 * time.Hour)
	f.run(t, LoopDuePosts)
	require.Equal(t, 1, f.pub.callsTo("x"))
}

// Five failures open the breaker; after the cool-down two probe successes
// close it again and the deferred retries drain.
func TestBreakerOpensHalfOpensAndCloses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.pub.set("x", failWith(platform.KindServiceUnavailable))
	var ids []string
	for range 5 {
		ids = append(ids, f.create(t, PostRequest{Platforms: []string{"x"}}).ID)
	}

	f.run(t, LoopDuePosts)
	require.Equal(t, 5, f.pub.callsTo("x"))
	require.Equal(t, breaker.Open, f.eng.CircuitBreakerStatus("x").State)
	require.Equal(t, 1, f.notify.count(notifier.KindBreakerOpened))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BreakerState.WithLabelValues("x", "open")))

	jobs, err := f.eng.ListRetryJobs(context.Background(), storage.RetryJobFilter{Platform: "x"})
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	f.pub.set("x", nil)
	f.clock.Advance(2 * time.Hour)
	require.Equal(t, breaker.HalfOpen, f.eng.CircuitBreakerStatus("x").State)

	f.run(t, LoopDueRetries)
	require.Equal(t, breaker.Closed, f.eng.CircuitBreakerStatus("x").State)
	require.Equal(t, 1, f.notify.count(notifier.KindBreakerClosed))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BreakerState.WithLabelValues("x", "closed")))
	for _, id := range ids {
		require.Equal(t, storage.PostPublished, f.status(t, id).Post.Status)
	}
	jobs, err = f.eng.ListRetryJobs(context.Background(), storage.RetryJobFilter{Platform: "x"})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestBreakersAreIsolatedPerPlatform(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.pub.set("facebook", failWith(platform.KindNetworkTimeout))
	for range 6 {
		f.create(t, PostRequest{Platforms: []string{"facebook", "instagram"}})
	}

	f.run(t, LoopDuePosts)
	require.Equal(t, 5, f.pub.callsTo("facebook"), "sixth delivery is rejected by the open circuit")
	require.Equal(t, 6, f.pub.callsTo("instagram"))
	require.Equal(t, breaker.Open, f.eng.CircuitBreakerStatus("facebook").State)
	require.Equal(t, breaker.Closed, f.eng.CircuitBreakerStatus("instagram").State)

	sts := f.eng.CircuitBreakerStatuses()
	require.Len(t, sts, 2)
	require.Equal(t, "facebook", sts[0].Platform)

	require.True(t, f.eng.ResetCircuitBreaker("facebook"))
	require.False(t, f.eng.ResetCircuitBreaker("facebook"))
	require.Equal(t, breaker.Closed, f.eng.CircuitBreakerStatus("facebook").State)
}

func TestRetryFailedRequeuesPermanentFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.pub.set("instagram", failWith(platform.KindContentRejected))
	p := f.create(t, PostRequest{Platforms: []string{"instagram", "facebook"}})

	f.run(t, LoopDuePosts)
	st := f.status(t, p.ID)
	require.Equal(t, storage.PostFailed, st.Post.Status)
	require.Empty(t, st.Jobs)
	require.Equal(t, 1, f.notify.count(notifier.KindPostFailed))

	_, err := f.eng.RetryFailed(ctx, p.ID, "intruder")
	require.ErrorIs(t, err, storage.ErrNotFound)

	n, err := f.eng.RetryFailed(ctx, p.ID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	st = f.status(t, p.ID)
	require.Len(t, st.Jobs, 1)
	for _, j := range st.Jobs {
		require.Equal(t, storage.RetryManual, j.Kind)
	}

	f.pub.set("instagram", nil)
	f.run(t, LoopDueRetries)
	require.Equal(t, storage.PostPublished, f.status(t, p.ID).Post.Status)
}

func TestManualRetryAndCancelJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.pub.set("x", failWith(platform.KindRateLimited))
	a := f.create(t, PostRequest{Platforms: []string{"x"}})
	b := f.create(t, PostRequest{Platforms: []string{"x"}})
	f.run(t, LoopDuePosts)

	ja := f.status(t, a.ID).Jobs[a.PlatformPosts[0].ID]
	jb := f.status(t, b.ID).Jobs[b.PlatformPosts[0].ID]
	require.True(t, ja.NextAttemptAt.After(t0))

	ok, err := f.eng.CancelRetryJob(ctx, jb.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.eng.GetRetryJob(ctx, jb.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, storage.PostFailed, f.status(t, b.ID).Post.Status)

	ok, err = f.eng.ManualRetry(ctx, ja.ID)
	require.NoError(t, err)
	require.True(t, ok)
	j, err := f.eng.GetRetryJob(ctx, ja.ID)
	require.NoError(t, err)
	require.Equal(t, t0, j.NextAttemptAt)
	require.Zero(t, j.Attempts)

	f.pub.set("x", nil)
	f.run(t, LoopDueRetries)
	require.Equal(t, storage.PostPublished, f.status(t, a.ID).Post.Status)
	require.Equal(t, 3, f.pub.callsTo("x"))
}

func TestApplyTightensRules(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.create(t, PostRequest{Content: "twenty characters!!!", Platforms: []string{"x"}})

	require.NoError(t, f.eng.Apply(context.Background(), Config{
		Posts: Rules{MaxContentLength: 10, Platforms: []string{"x"}},
		Loops: Loops{DuePosts: "@every 1s"},
	}))
	_, err := f.eng.CreatePost(context.Background(), PostRequest{OwnerID: "o", Content: "twenty characters!!!", Platforms: []string{"x"}})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.CreatePost(context.Background(), PostRequest{OwnerID: "o", Content: "short", Platforms: []string{"facebook"}})
	require.ErrorIs(t, err, ErrValidation)

	for _, l := range f.eng.Loops() {
		if l.Name == LoopDuePosts {
			require.Equal(t, "@every 1s", l.Schedule)
		}
	}
}

func TestRunningEngineDeliversThroughPool(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	pub := newScripted()
	eng, err := New(Config{}, store, pub, WithClock(clock.NewFake(t0)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		eng.Stop(stopCtx)
		cancel()
	})

	p, err := eng.CreatePost(ctx, PostRequest{OwnerID: "o", Content: "hi", Platforms: []string{"facebook", "x"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := eng.GetPostStatus(ctx, p.ID, "o")
		return err == nil && st.Post.Status == storage.PostPublished
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, pub.callsTo("facebook"))
	require.Equal(t, 1, pub.callsTo("x"))
}

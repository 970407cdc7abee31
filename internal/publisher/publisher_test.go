package publisher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

type settled struct {
	pp  storage.PlatformPost
	job *storage.RetryJob
	out Outcome
}

type recordRetrier struct {
	mu  sync.Mutex
	got []settled
}

func (r *recordRetrier) Settle(_ context.Context, pp storage.PlatformPost, job *storage.RetryJob, out Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, settled{pp: pp, job: job, out: out})
	return nil
}

func (r *recordRetrier) last() settled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

type recordNotifier struct {
	mu  sync.Mutex
	got []notifier.Notification
}

func (r *recordNotifier) Notify(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordNotifier) kinds() []notifier.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notifier.Kind, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	store    storage.Store
	clock    *clock.Fake
	breakers *breaker.Set
	retrier  *recordRetrier
	notify   *recordNotifier
	metrics  *metrics.Metrics
	pub      *Publisher
}

func newFixture(t *testing.T, cfg Config, pub platform.Publisher) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemory(),
		clock:   clock.NewFake(t0),
		retrier: &recordRetrier{},
		notify:  &recordNotifier{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.breakers = breaker.NewSet(breaker.Config{FailureThreshold: 5, Window: time.Minute, CoolDown: 30 * time.Second, SuccessThreshold: 2}, nil, f.clock)
	f.pub = New(cfg, f.store, pub, f.breakers,
		WithClock(f.clock),
		WithNotifier(f.notify),
		WithMetrics(f.metrics),
	)
	f.pub.SetRetrier(f.retrier)
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

// seed stores a scheduled post due now with one platform-post per platform.
func (f *fixture) seed(t *testing.T, id string, platforms ...string) storage.Post {
	t.Helper()
	due := f.clock.Now()
	p := storage.Post{
		ID:        id,
		OwnerID:   "owner-1",
		Content:   "hello from " + id,
		Source:    storage.SourceManual,
		Platforms: platforms,
		DueAt:     due,
		Status:    storage.PostScheduled,
		CreatedAt: due,
		UpdatedAt: due,
	}
	p.ScheduledAt = &due
	in := storage.NewPost{Post: p}
	for _, pl := range platforms {
		in.PlatformPosts = append(in.PlatformPosts, storage.PlatformPost{
			ID: id + "-" + pl, PostID: id, Platform: pl,
			Status: storage.PPPending, UpdatedAt: due,
		})
	}
	got, err := f.store.CreatePost(context.Background(), in)
	require.NoError(t, err)
	return got
}

func (f *fixture) pp(t *testing.T, id string) storage.PlatformPost {
	t.Helper()
	pp, err := f.store.GetPlatformPost(context.Background(), id)
	require.NoError(t, err)
	return pp
}

func (f *fixture) post(t *testing.T, id string) storage.Post {
	t.Helper()
	p, err := f.store.GetPost(context.Background(), id)
	require.NoError(t, err)
	return p
}

func byPlatform(results map[string]func() (string, error)) platform.Publisher {
	return platform.PublisherFunc(func(_ context.Context, name string, _ platform.Content) (string, error) {
		return results[name]()
	})
}

func TestDeliverPublishedAndPermanentFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, byPlatform(map[string]func() (string, error){
		"a": func() (string, error) { return "ext-a", nil },
		"b": func() (string, error) {
			return "", platform.NewError(platform.KindContentRejected, "too spicy")
		},
	}))
	f.seed(t, "p1", "a", "b")
	ctx := context.Background()

	out, err := f.pub.Deliver(ctx, f.pp(t, "p1-a"), nil)
	require.NoError(t, err)
	require.True(t, out.Published)
	require.Equal(t, "ext-a", out.ExternalID)

	out, err = f.pub.Deliver(ctx, f.pp(t, "p1-b"), nil)
	require.NoError(t, err)
	require.False(t, out.Published)
	require.Equal(t, platform.KindContentRejected, out.Kind)
	require.False(t, out.Retryable())

	a, b := f.pp(t, "p1-a"), f.pp(t, "p1-b")
	require.Equal(t, storage.PPPublished, a.Status)
	require.Equal(t, "ext-a", a.ExternalID)
	require.Equal(t, storage.PPFailed, b.Status)
	require.Equal(t, string(platform.KindContentRejected), b.LastErrorKind)
	require.Equal(t, storage.PostFailed, f.post(t, "p1").Status)

	// The retrier saw both outcomes; the permanent one is its to drop.
	require.Len(t, f.retrier.got, 2)
	require.Nil(t, f.retrier.last().job)

	// Nothing left to retry, so the post failure is alerted once.
	require.Equal(t, []notifier.Kind{notifier.KindPostFailed}, f.notify.kinds())

	attempts, err := f.store.ListAttempts(ctx, "p1-b", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "failed", attempts[0].Outcome)
}

func TestDeliverTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Timeout: 20 * time.Millisecond}, platform.PublisherFunc(func(ctx context.Context, _ string, _ platform.Content) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	f.seed(t, "p1", "b")

	out, err := f.pub.Deliver(context.Background(), f.pp(t, "p1-b"), nil)
	require.NoError(t, err)
	require.Equal(t, platform.KindNetworkTimeout, out.Kind)
	require.True(t, out.Retryable())
	require.Equal(t, storage.PPFailed, f.pp(t, "p1-b").Status)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("b", "failed", "network_timeout")))
}

func TestDeliverRecoversAdapterPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		panic("boom")
	}))
	f.seed(t, "p1", "a")

	out, err := f.pub.Deliver(context.Background(), f.pp(t, "p1-a"), nil)
	require.NoError(t, err)
	require.Equal(t, platform.KindUnknown, out.Kind)
	require.Contains(t, out.Message, "boom")
	require.Equal(t, storage.PPFailed, f.pp(t, "p1-a").Status)
}

func TestDeliverEmptyExternalIDIsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		return "", nil
	}))
	f.seed(t, "p1", "a")

	out, err := f.pub.Deliver(context.Background(), f.pp(t, "p1-a"), nil)
	require.NoError(t, err)
	require.False(t, out.Published)
	require.Equal(t, platform.KindUnknown, out.Kind)
}

func TestDeliverClaimConflict(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		calls.Add(1)
		return "ext", nil
	}))
	f.seed(t, "p1", "a")
	pp := f.pp(t, "p1-a")

	_, err := f.pub.Deliver(context.Background(), pp, nil)
	require.NoError(t, err)
	_, err = f.pub.Deliver(context.Background(), pp, nil)
	require.ErrorIs(t, err, ErrNotClaimed)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ClaimConflicts.WithLabelValues("a")))
}

func TestDeliverCancelledPostIsNotClaimed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		t.Fatal("publish must not be called")
		return "", nil
	}))
	f.seed(t, "p1", "a")
	ok, err := f.store.CancelPost(context.Background(), "p1", "owner-1", f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.pub.Deliver(context.Background(), f.pp(t, "p1-a"), nil)
	require.ErrorIs(t, err, ErrNotClaimed)
}

func TestBreakerOpensAndRejectsWithoutCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		calls.Add(1)
		return "", platform.NewError(platform.KindServiceUnavailable, "503")
	}))
	ctx := context.Background()

	for i := range 5 {
		id := "p" + string(rune('0'+i))
		f.seed(t, id, "a")
		_, err := f.pub.Deliver(ctx, f.pp(t, id+"-a"), nil)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	require.Equal(t, breaker.Open, f.breakers.Status("a").State)
	require.EqualValues(t, 5, calls.Load())

	f.seed(t, "p6", "a")
	out, err := f.pub.Deliver(ctx, f.pp(t, "p6-a"), nil)
	require.NoError(t, err)
	require.EqualValues(t, 5, calls.Load())
	require.True(t, out.CircuitOpen)
	require.Equal(t, platform.KindCircuitOpen, out.Kind)
	require.True(t, out.Retryable())
	require.False(t, out.ReopenAt.IsZero())
	require.Equal(t, storage.PPFailed, f.pp(t, "p6-a").Status)

	// The rejected attempt went to the retrier like any retryable failure.
	last := f.retrier.last()
	require.Equal(t, "p6-a", last.pp.ID)
	require.True(t, last.out.CircuitOpen)
}

func TestPermanentFailuresDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		return "", platform.NewError(platform.KindAuthFailed, "token revoked")
	}))
	for i := range 6 {
		id := "p" + string(rune('0'+i))
		f.seed(t, id, "a")
		_, err := f.pub.Deliver(context.Background(), f.pp(t, id+"-a"), nil)
		require.NoError(t, err)
	}
	require.Equal(t, breaker.Closed, f.breakers.Status("a").State)
}

func TestLocalThrottleDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	next := platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		calls.Add(1)
		return "ext", nil
	})
	f := newFixture(t, Config{}, platform.NewLimited(next, map[string]platform.Limit{"a": {PerSecond: 0.001, Burst: 1}}))

	for i := range 6 {
		id := "p" + string(rune('0'+i))
		f.seed(t, id, "a")
		out, err := f.pub.Deliver(context.Background(), f.pp(t, id+"-a"), nil)
		require.NoError(t, err)
		if i > 0 {
			require.Equal(t, platform.KindRateLimited, out.Kind)
			require.False(t, out.CircuitOpen)
		}
	}
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, breaker.Closed, f.breakers.Status("a").State)
}

func TestRetryDeliveryCountsAndManualReset(t *testing.T) {
	t.Parallel()

	fail := true
	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		if fail {
			return "", errors.New("connection reset")
		}
		return "ext", nil
	}))
	f.seed(t, "p1", "a")
	ctx := context.Background()

	_, err := f.pub.Deliver(ctx, f.pp(t, "p1-a"), nil)
	require.NoError(t, err)
	require.Equal(t, storage.PPFailed, f.pp(t, "p1-a").Status)

	job := &storage.RetryJob{ID: "j1", PlatformPostID: "p1-a", Kind: storage.RetryPublish, Attempts: 1}
	_, err = f.pub.Deliver(ctx, f.pp(t, "p1-a"), job)
	require.NoError(t, err)
	require.Equal(t, 1, f.pp(t, "p1-a").RetryCount)

	fail = false
	manual := &storage.RetryJob{ID: "j1", PlatformPostID: "p1-a", Kind: storage.RetryManual}
	out, err := f.pub.Deliver(ctx, f.pp(t, "p1-a"), manual)
	require.NoError(t, err)
	require.True(t, out.Published)
	pp := f.pp(t, "p1-a")
	require.Equal(t, storage.PPPublished, pp.Status)
	require.Zero(t, pp.RetryCount)
	require.Equal(t, storage.PostPublished, f.post(t, "p1").Status)
	require.Same(t, manual, f.retrier.last().job)
}

func TestNoTerminalAlertWhileRetriesRemain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		return "", platform.NewError(platform.KindServiceUnavailable, "503")
	}))
	f.seed(t, "p1", "a")
	ctx := context.Background()
	_, _, err := f.store.InsertRetryJob(ctx, storage.RetryJob{
		ID: "j1", PlatformPostID: "p1-a", PostID: "p1", Platform: "a",
		Kind: storage.RetryPublish, Status: storage.RetryPending, Attempts: 1, MaxAttempts: 5,
		NextAttemptAt: t0.Add(time.Minute), CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)

	_, err = f.pub.Deliver(ctx, f.pp(t, "p1-a"), nil)
	require.NoError(t, err)
	require.Equal(t, storage.PostFailed, f.post(t, "p1").Status)
	require.Empty(t, f.notify.kinds())
}

func TestStoreRetryStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, platform.PublisherFunc(func(context.Context, string, platform.Content) (string, error) {
		return "ext", nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	boom := errors.New("disk busy")
	err := f.pub.withStoreRetry(ctx, Config{StoreAttempts: 5}, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)

	calls = 0
	err = f.pub.withStoreRetry(context.Background(), Config{StoreAttempts: 2}, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
}

package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

type recordSink struct {
	name string
	mu   sync.Mutex
	got  []Notification
	fail int
}

func (r *recordSink) Name() string { return r.name }

func (r *recordSink) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("sink down")
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recordSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.m[key]
	return t, ok, nil
}

func startService(t *testing.T, cfg Config, sinks []Sink, store DedupStore) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, sinks, logx.Nop(), nil, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestFanOutToSinks(t *testing.T) {
	t.Parallel()

	a, b := &recordSink{name: "a"}, &recordSink{name: "b"}
	s := startService(t, Config{RatePerSec: 100}, []Sink{a, b}, nil)

	require.NoError(t, s.Notify(context.Background(), Notification{Kind: KindRetryExhausted, Title: "retry exhausted", Key: "job-1"}))
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()

	sink := &recordSink{name: "a"}
	s := startService(t, Config{RatePerSec: 100, DedupWindow: time.Minute}, []Sink{sink}, nil)

	n := Notification{Kind: KindBreakerOpened, Title: "breaker open", Key: "x"}
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), Notification{Kind: KindBreakerOpened, Title: "breaker open", Key: "facebook"}))

	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, sink.count())
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	store := &memDedup{m: map[string]time.Time{}}
	n := Notification{Kind: KindPostFailed, Title: "post failed", Key: "post-1"}
	store.m[dedupKey(n)] = time.Now().Add(time.Hour)

	sink := &recordSink{name: "a"}
	s := startService(t, Config{RatePerSec: 100, DedupWindow: time.Minute, PersistDedup: true}, []Sink{sink}, store)
	require.NoError(t, s.Notify(context.Background(), n))
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, sink.count())
}

func TestRetriesFailingSink(t *testing.T) {
	t.Parallel()

	sink := &recordSink{name: "a", fail: 2}
	s := startService(t, Config{RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, []Sink{sink}, nil)
	require.NoError(t, s.Notify(context.Background(), Notification{Kind: KindPostFailed, Title: "post failed"}))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		h := s.Snapshot()
		return len(h) == 1 && h[0].Error == ""
	}, time.Second, 5*time.Millisecond)
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop(), nil, nil)
	require.ErrorIs(t, s.Notify(context.Background(), Notification{}), ErrDisabled)

	s = New(Config{Enabled: true}, nil, logx.Nop(), nil, nil)
	require.ErrorIs(t, s.Notify(context.Background(), Notification{}), ErrStopped)
}

func TestFormatText(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	out := FormatText(Notification{Priority: 9, Title: "retry exhausted", Text: "gave up", Fields: map[string]string{"platform": "x", "attempts": "5"}, At: at})
	require.True(t, strings.HasPrefix(out, "🚨 retry exhausted\ngave up\n"))
	require.Less(t, strings.Index(out, "attempts: 5"), strings.Index(out, "platform: x"))
	require.True(t, strings.HasSuffix(out, "2026-05-01T09:00:00Z"))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	require.Equal(t, 100*time.Millisecond, backoff(cfg, 1, 0.5))
	require.Equal(t, 400*time.Millisecond, backoff(cfg, 3, 0.5))
	require.Equal(t, 280*time.Millisecond, backoff(cfg, 3, 0))
	require.Equal(t, time.Second, backoff(cfg, 10, 1))
}

func TestSuppressorEvictsSoonestExpiring(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newSuppressor()
	p.mark("a", now.Add(time.Minute), now, 2)
	p.mark("b", now.Add(3*time.Minute), now, 2)
	p.mark("c", now.Add(2*time.Minute), now, 2)
	require.False(t, p.active("a", now))
	require.True(t, p.active("b", now))
	require.True(t, p.active("c", now))

	p.mark("d", now.Add(10*time.Minute), now.Add(5*time.Minute), 2)
	require.Len(t, p.until, 1)
}

func TestInactive(t *testing.T) {
	t.Parallel()
	require.True(t, Inactive(ErrDisabled))
	require.True(t, Inactive(ErrStopped))
	require.False(t, Inactive(ErrQueueFull))
	require.False(t, Inactive(nil))
}

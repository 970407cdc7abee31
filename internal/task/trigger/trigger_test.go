package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  SpecKind
		expr  string
		fails bool
	}{
		{in: "5s", kind: SpecInterval, expr: "@every 5s"},
		{in: "00:05", kind: SpecInterval, expr: "@every 5m0s"},
		{in: "every:1m", kind: SpecInterval, expr: "@every 1m0s"},
		{in: "*/10 * * * * *", kind: SpecCron, expr: "*/10 * * * * *"},
		{in: "@every 2s", kind: SpecCron, expr: "@every 2s"},
		{in: "cron:@hourly", kind: SpecCron, expr: "@hourly"},
		{in: "", fails: true},
		{in: "0s", fails: true},
		{in: "soon", fails: true},
		{in: "01:75", fails: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.fails {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.kind, ps.Kind, tc.in)
		require.Equal(t, tc.expr, ps.Expr(), tc.in)
	}
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	err := s.Register(Loop{Name: "posts.due", Schedule: "61 * * * *", Run: func(context.Context) error { return nil }})
	require.Error(t, err)
	err = s.Register(Loop{Name: "posts.due", Schedule: "1s"})
	require.Error(t, err)
}

func TestLoopFiresAndDoesNotOverlap(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	var runs, concurrent, peak atomic.Int32
	require.NoError(t, s.Register(Loop{Name: "posts.due", Schedule: "1s", Run: func(context.Context) error {
		n := concurrent.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		runs.Add(1)
		time.Sleep(1500 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	}}))
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 6*time.Second, 50*time.Millisecond)
	require.EqualValues(t, 1, peak.Load())

	info := s.Loops()
	require.Len(t, info, 1)
	require.Equal(t, "posts.due", info[0].Name)
	require.Positive(t, info[0].Skipped)
}

func TestKickAndRunOnce(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Register(Loop{Name: "retries.due", Schedule: "1h", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	require.NoError(t, s.RunOnce(context.Background(), "retries.due"))
	require.EqualValues(t, 1, runs.Load())

	ok, err := s.Kick("retries.due")
	require.NoError(t, err)
	require.False(t, ok, "kick before start is a no-op")

	s.Start(context.Background())
	defer s.Stop(context.Background())
	ok, err = s.Kick("retries.due")
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	_, err = s.Kick("nope")
	require.ErrorIs(t, err, ErrUnknownLoop)
}

func TestStopWaitsForKickedRuns(t *testing.T) {
	t.Parallel()

	for range 20 {
		s := New(Config{}, logx.Nop())
		var finished atomic.Int32
		require.NoError(t, s.Register(Loop{Name: "sweep", Schedule: "1h", Run: func(context.Context) error {
			time.Sleep(time.Millisecond)
			finished.Add(1)
			return nil
		}}))
		s.Start(context.Background())

		var started atomic.Int32
		stop := make(chan struct{})
		kicked := make(chan struct{})
		go func() {
			defer close(kicked)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if ok, _ := s.Kick("sweep"); ok {
					started.Add(1)
				}
			}
		}()
		time.Sleep(2 * time.Millisecond)
		s.Stop(context.Background())
		close(stop)
		<-kicked

		// Kicks after Stop are refused, so everything started has finished.
		require.Equal(t, started.Load(), finished.Load())
	}
}

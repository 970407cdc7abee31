package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(context.Context) error { return errors.New("boom") })
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorContains(t, err, "boom: boom")
	require.ErrorIs(t, s.Context().Err(), context.Canceled)
}

func TestPanicBecomesError(t *testing.T) {
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorContains(t, s.Wait(ctx), "panic: bad")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	require.Equal(t, uint64(1), snap.Goroutines[0].Panics)
	require.Contains(t, snap.FirstError, "panicky")
}

func TestGoRestartUntilNil(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Wait(ctx)

	require.Equal(t, int32(3), runs.Load())
	snap := s.Snapshot()
	require.Equal(t, uint64(2), snap.Goroutines[0].Restarts)
	require.Equal(t, "transient", snap.Goroutines[0].LastErr)
	require.Zero(t, snap.Active)
}

func TestNilSnapshot(t *testing.T) {
	var s *Supervisor
	require.Empty(t, s.Snapshot().Goroutines)
}

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 10 * time.Second, Multiplier: 2, MaxDelay: 2 * time.Minute}.withDefaults()
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 2 * time.Minute, 2 * time.Minute}
	prev := time.Duration(0)
	for i, w := range want {
		d := p.Delay(i + 1)
		require.Equal(t, w, d, "attempt %d", i+1)
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
	require.Equal(t, 2*time.Minute, p.Delay(1000))
	require.Equal(t, 10*time.Second, p.Delay(0))
}

func TestPolicyNextJitterBounds(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 100 * time.Second, MaxDelay: time.Hour, Jitter: 0.2}.withDefaults()
	require.InDelta(t, float64(80*time.Second), float64(p.Next(1, 0, 0)), float64(time.Millisecond))
	require.Equal(t, 100*time.Second, p.Next(1, 0, 0.5))
	for _, r := range []float64{0, 0.1, 0.33, 0.5, 0.77, 0.999} {
		d := p.Next(1, 0, r)
		require.GreaterOrEqual(t, d, 80*time.Second-time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Second)
	}

	noJitter := Policy{BaseDelay: 100 * time.Second, Jitter: -1}.withDefaults()
	require.Equal(t, 100*time.Second, noJitter.Next(1, 0, 0.999))
}

func TestPolicyHintIsFloorButCapped(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Minute}.withDefaults()
	require.Equal(t, 5*time.Minute, p.Next(1, 5*time.Minute, 0.5))
	require.Equal(t, 10*time.Minute, p.Next(1, 3*time.Hour, 0.5))
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := Policy{}.withDefaults()
	require.Equal(t, 5, p.MaxAttempts)
	require.Equal(t, 30*time.Second, p.BaseDelay)
	require.Equal(t, 2.0, p.Multiplier)
	require.Equal(t, time.Hour, p.MaxDelay)
	require.Equal(t, 0.2, p.Jitter)
}

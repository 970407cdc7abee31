package retry

import (
	"math"
	"time"
)

// Policy is the backoff and attempt budget for one platform.
type Policy struct {
	// MaxAttempts counts delivery attempts that reached the platform,
	// including the first one. Default 5.
	MaxAttempts int
	BaseDelay   time.Duration // default 30s
	Multiplier  float64       // default 2
	MaxDelay    time.Duration // default 1h
	// Jitter is the +/- fraction applied to each delay. Default 0.2;
	// negative disables it.
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Hour
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	switch {
	case p.Jitter == 0:
		p.Jitter = 0.2
	case p.Jitter < 0:
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay is the nominal wait after the attempts-th failed attempt:
// BaseDelay * Multiplier^(attempts-1), capped at MaxDelay.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempts-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Next applies jitter to Delay(attempts). r is a uniform sample in [0,1).
// A platform hint raises the result but never past MaxDelay.
func (p Policy) Next(attempts int, hint time.Duration, r float64) time.Duration {
	d := p.Delay(attempts)
	d = time.Duration(float64(d) * (1 + (r*2-1)*p.Jitter))
	if hint > d {
		d = hint
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

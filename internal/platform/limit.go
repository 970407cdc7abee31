package platform

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is a client-side request budget for one platform.
type Limit struct {
	PerSecond float64
	Burst     int
}

// Limited throttles calls per platform before they reach the adapter.
// Platforms without a configured limit pass straight through.
type Limited struct {
	next Publisher

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func NewLimited(next Publisher, limits map[string]Limit) *Limited {
	l := &Limited{next: next}
	l.Apply(limits)
	return l
}

// Apply replaces the limits; used on config reload.
func (l *Limited) Apply(limits map[string]Limit) {
	m := make(map[string]*rate.Limiter, len(limits))
	for p, lim := range limits {
		if lim.PerSecond <= 0 {
			continue
		}
		burst := lim.Burst
		if burst <= 0 {
			burst = 1
		}
		m[Normalize(p)] = rate.NewLimiter(rate.Limit(lim.PerSecond), burst)
	}
	l.mu.Lock()
	l.limiters = m
	l.mu.Unlock()
}

func (l *Limited) Publish(ctx context.Context, platform string, c Content) (string, error) {
	l.mu.RLock()
	lim := l.limiters[Normalize(platform)]
	l.mu.RUnlock()

	if lim != nil {
		r := lim.Reserve()
		if !r.OK() {
			return "", throttled(time.Second)
		}
		if d := r.Delay(); d > 0 {
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
				r.Cancel()
				return "", throttled(d)
			}
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				r.Cancel()
				return "", Classify(ctx.Err())
			case <-t.C:
			}
		}
	}
	return l.next.Publish(ctx, platform, c)
}

func throttled(retryAfter time.Duration) *Error {
	e := RateLimited("client rate limit exceeded", retryAfter)
	e.Local = true
	return e
}

package logx

import (
	"sync/atomic"
	"time"
)

// Throttle gates repeated warnings so a failing loop logs at most once per
// interval. The zero value uses a 10s interval.
type Throttle struct {
	Every time.Duration
	last  int64
}

// Allow reports whether a log line may be emitted at now.
func (t *Throttle) Allow(now time.Time) bool {
	every := t.Every
	if every <= 0 {
		every = 10 * time.Second
	}
	prev := atomic.LoadInt64(&t.last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(every) {
		return false
	}
	return atomic.CompareAndSwapInt64(&t.last, prev, n)
}

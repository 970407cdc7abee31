package pool

import (
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// limiter caps concurrent tasks of one key.
type limiter struct {
	limit int
	sem   *semaphore.Weighted
}

// tryAcquire never blocks. A nil limiter is unlimited.
func (l *limiter) tryAcquire() bool {
	return l == nil || l.sem.TryAcquire(1)
}

func (l *limiter) release() {
	if l != nil {
		l.sem.Release(1)
	}
}

// groups maps a normalized key to its limiter. Changing a key's limit
// installs a fresh limiter; tasks holding the old one release into it.
type groups struct {
	mu sync.Mutex
	m  map[string]*limiter
}

func (g *groups) get(key string, limit int) *limiter {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || limit <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if l := g.m[key]; l != nil && l.limit == limit {
		return l
	}
	if g.m == nil {
		g.m = map[string]*limiter{}
	}
	l := &limiter{limit: limit, sem: semaphore.NewWeighted(int64(limit))}
	g.m[key] = l
	return l
}

package engine

import (
	"context"
	"sync"

	"postpilot/internal/platform"
	"postpilot/internal/task/pool"
)

// poolDispatcher feeds scheduler and retry deliveries into the worker pool,
// keyed by platform so each platform gets its own concurrency cap.
type poolDispatcher struct {
	pool *pool.Pool

	mu     sync.RWMutex
	limits map[string]int
}

func newPoolDispatcher(p *pool.Pool, limits map[string]int) *poolDispatcher {
	d := &poolDispatcher{pool: p}
	d.setLimits(limits)
	return d
}

func (d *poolDispatcher) setLimits(limits map[string]int) {
	m := make(map[string]int, len(limits))
	for k, v := range limits {
		m[platform.Normalize(k)] = v
	}
	d.mu.Lock()
	d.limits = m
	d.mu.Unlock()
}

// Dispatch never blocks. The tick context is not handed to fn; the pool
// supplies the worker context.
func (d *poolDispatcher) Dispatch(_ context.Context, name, dedup string, fn func(context.Context) error) error {
	key := platform.Normalize(name)
	d.mu.RLock()
	limit := d.limits[key]
	d.mu.RUnlock()
	return d.pool.Enqueue(pool.Task{
		Name:  "deliver." + key,
		Key:   key,
		Limit: limit,
		Dedup: dedup,
		Run:   fn,
	})
}

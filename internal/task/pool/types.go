package pool

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrStopped   = errors.New("delivery pool stopped")
	ErrStopping  = errors.New("delivery pool stopping")
	ErrQueueFull = errors.New("delivery pool queue full")
	// ErrDuplicate is returned when a task with the same Dedup key is
	// already queued or running.
	ErrDuplicate = errors.New("delivery already queued")
)

// Config controls the delivery worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one unit of work, typically a single platform-post delivery.
//
// Key groups tasks that share a concurrency limit (the platform id). Limit
// caps concurrent runs within Key; 0 means unlimited. Dedup, when set,
// rejects a second task with the same value while the first is queued or
// running.
type Task struct {
	ID      string
	Name    string
	Key     string
	Limit   int
	Dedup   string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// DropEvent is published on the bus when a task is discarded.
type DropEvent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	Panics           uint64 `json:"panics"`

	History []HistoryItem `json:"history,omitempty"`
}

// dedupSet tracks Dedup keys of queued and running tasks.
type dedupSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (d *dedupSet) tryAdd(k string) bool {
	if k == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = make(map[string]struct{})
	}
	if _, ok := d.keys[k]; ok {
		return false
	}
	d.keys[k] = struct{}{}
	return true
}

func (d *dedupSet) remove(k string) {
	if k == "" {
		return
	}
	d.mu.Lock()
	delete(d.keys, k)
	d.mu.Unlock()
}

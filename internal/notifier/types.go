package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type Kind string

const (
	KindRetryExhausted Kind = "retry_exhausted"
	KindBreakerOpened  Kind = "breaker_opened"
	KindBreakerClosed  Kind = "breaker_closed"
	KindPostFailed     Kind = "post_failed"
)

// Notification is one operator alert.
type Notification struct {
	Kind     Kind
	Priority int
	Title    string
	Text     string
	// Key overrides the dedup key. Empty derives one from Kind, Title and Text.
	Key    string
	Fields map[string]string
	At     time.Time
}

// Sink is a delivery channel for notifications.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notifier is the producer-side view of Service.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// DedupStore persists suppression windows. storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Kind  Kind      `json:"kind"`
	Title string    `json:"title"`
	Sinks []string  `json:"sinks,omitempty"`
	Error string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind  Kind      `json:"kind"`
	Sink  string    `json:"sink,omitempty"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

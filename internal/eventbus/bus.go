// Package eventbus carries in-process lifecycle signals between the engine,
// its loops and observers such as the debug logger and metrics.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by postpilot.
const (
	PostCreated   = "post.created"
	PostCancelled = "post.cancelled"

	PlatformPostClaimed   = "platform_post.claimed"
	PlatformPostPublished = "platform_post.published"
	PlatformPostFailed    = "platform_post.failed"

	RetryEnqueued  = "retry.enqueued"
	RetryScheduled = "retry.scheduled"
	RetryExhausted = "retry.exhausted"
	RetryCancelled = "retry.cancelled"

	BreakerChanged = "breaker.changed"

	DeliveryDropped = "delivery.dropped"

	NotifierSent    = "notifier.sent"
	NotifierDeduped = "notifier.deduped"
	NotifierDropped = "notifier.dropped"
	NotifierFailed  = "notifier.failed"
)

// Event is an in-process signal. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Emit publishes on bus when it is non-nil.
func Emit(bus Bus, typ string, now time.Time, data any) {
	if bus != nil {
		bus.Publish(Event{Type: typ, Time: now, Data: data})
	}
}

const defaultBuffer = 8

// New returns a fan-out bus. It starts no goroutines.
func New() Bus { return &fanout{} }

type fanout struct {
	mu   sync.RWMutex
	subs []*subscriber
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel. unsubscribe closes it and may be
// called more than once.
func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return s.ch, func() {
		// The write lock excludes a concurrent Publish sending on s.ch.
		b.mu.Lock()
		defer b.mu.Unlock()
		if i := slices.Index(b.subs, s); i >= 0 {
			b.subs = slices.Delete(b.subs, i, i+1)
			close(s.ch)
		}
	}
}

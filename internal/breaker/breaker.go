// Package breaker implements the per-platform circuit breaker that gates
// delivery attempts.
//
// A Breaker is closed while the platform behaves. Consecutive failures within
// Window open it; while open every attempt is rejected without a network
// call. After CoolDown the breaker half-opens and lets up to
// HalfOpenMaxProbes attempts through: one failure reopens it and
// SuccessThreshold consecutive successes close it.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/clock"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

var ErrOpen = errors.New("circuit open")

// OpenError is returned by Acquire when the attempt is rejected.
type OpenError struct {
	Platform string
	State    State
	// RetryAt is the earliest time an attempt may be admitted.
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s for %s until %s", e.State, e.Platform, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

type Config struct {
	FailureThreshold  int
	Window            time.Duration
	CoolDown          time.Duration
	HalfOpenMaxProbes int
	SuccessThreshold  int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Transition describes one state change.
type Transition struct {
	Platform string
	From     State
	To       State
	At       time.Time
	// Failures is the consecutive failure count that caused an open.
	Failures int
	// Manual is set for operator resets.
	Manual bool
}

type Listener func(Transition)

// Status is a point-in-time view of one breaker.
type Status struct {
	Platform          string    `json:"platform"`
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	InFlightProbes    int       `json:"in_flight_probes"`
	OpenedAt          time.Time `json:"opened_at,omitempty"`
	RetryAt           time.Time `json:"retry_at,omitempty"`
}

type Breaker struct {
	platform string
	clock    clock.Clock
	emit     func(Transition)

	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	streakStart time.Time
	successes   int
	openedAt    time.Time
	inflight    int
}

func newBreaker(platform string, cfg Config, clk clock.Clock, emit func(Transition)) *Breaker {
	return &Breaker{
		platform: platform,
		clock:    clock.Or(clk),
		emit:     emit,
		cfg:      cfg.withDefaults(),
		state:    Closed,
	}
}

// Ticket is an admitted attempt. Exactly one of Success, Failure or Release
// must be called; later calls are ignored.
type Ticket struct {
	b     *Breaker
	probe bool
	once  sync.Once
}

// Probe reports whether the attempt was admitted as a half-open probe.
func (t *Ticket) Probe() bool { return t != nil && t.probe }

func (t *Ticket) Success() {
	if t == nil {
		return
	}
	t.once.Do(func() { t.b.record(t.probe, true) })
}

func (t *Ticket) Failure() {
	if t == nil {
		return
	}
	t.once.Do(func() { t.b.record(t.probe, false) })
}

// Release frees a probe slot without counting toward breaker health.
// Used for outcomes that say nothing about platform availability.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if !t.probe {
			return
		}
		b := t.b
		b.mu.Lock()
		if b.inflight > 0 {
			b.inflight--
		}
		b.mu.Unlock()
	})
}

// Acquire admits an attempt or returns an *OpenError.
func (b *Breaker) Acquire() (*Ticket, error) {
	now := b.clock.Now()

	b.mu.Lock()
	tr, changed := b.advanceLocked(now)
	var (
		t   *Ticket
		err error
	)
	switch b.state {
	case Closed:
		t = &Ticket{b: b}
	case Open:
		err = &OpenError{Platform: b.platform, State: Open, RetryAt: b.openedAt.Add(b.cfg.CoolDown)}
	case HalfOpen:
		if b.inflight >= b.cfg.HalfOpenMaxProbes {
			err = &OpenError{Platform: b.platform, State: HalfOpen, RetryAt: now.Add(b.probeBusyDelay())}
		} else {
			b.inflight++
			t = &Ticket{b: b, probe: true}
		}
	}
	b.mu.Unlock()

	if changed {
		b.fire(tr)
	}
	return t, err
}

// Ready reports whether Acquire would currently admit an attempt, without
// taking a probe slot. When it would not, retryAt is the earliest time worth
// trying again.
func (b *Breaker) Ready() (ok bool, retryAt time.Time) {
	now := b.clock.Now()
	b.mu.Lock()
	tr, changed := b.advanceLocked(now)
	switch b.state {
	case Closed:
		ok = true
	case Open:
		retryAt = b.openedAt.Add(b.cfg.CoolDown)
	case HalfOpen:
		if b.inflight < b.cfg.HalfOpenMaxProbes {
			ok = true
		} else {
			retryAt = now.Add(b.probeBusyDelay())
		}
	}
	b.mu.Unlock()
	if changed {
		b.fire(tr)
	}
	return ok, retryAt
}

func (b *Breaker) probeBusyDelay() time.Duration {
	d := b.cfg.CoolDown / 4
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (b *Breaker) record(probe, ok bool) {
	now := b.clock.Now()

	b.mu.Lock()
	if probe && b.inflight > 0 {
		b.inflight--
	}
	var (
		tr      Transition
		changed bool
	)
	switch b.state {
	case Closed:
		if ok {
			b.failures = 0
			b.streakStart = time.Time{}
			break
		}
		if b.failures > 0 && now.Sub(b.streakStart) > b.cfg.Window {
			b.failures = 0
		}
		if b.failures == 0 {
			b.streakStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			tr, changed = b.toLocked(Open, now), true
		}
	case HalfOpen:
		if !probe {
			// Result of a call admitted before the breaker opened.
			break
		}
		if !ok {
			tr, changed = b.toLocked(Open, now), true
			break
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			tr, changed = b.toLocked(Closed, now), true
		}
	case Open:
		// Late results from calls admitted while closed do not extend the cool-down.
	}
	b.mu.Unlock()

	if changed {
		b.fire(tr)
	}
}

// advanceLocked applies the time-driven open -> half_open transition.
func (b *Breaker) advanceLocked(now time.Time) (Transition, bool) {
	if b.state == Open && !now.Before(b.openedAt.Add(b.cfg.CoolDown)) {
		return b.toLocked(HalfOpen, now), true
	}
	return Transition{}, false
}

func (b *Breaker) toLocked(to State, now time.Time) Transition {
	tr := Transition{Platform: b.platform, From: b.state, To: to, At: now, Failures: b.failures}
	b.state = to
	switch to {
	case Open:
		b.openedAt = now
		b.successes = 0
	case HalfOpen:
		b.successes = 0
		b.inflight = 0
	case Closed:
		b.failures = 0
		b.streakStart = time.Time{}
		b.successes = 0
		b.openedAt = time.Time{}
	}
	return tr
}

func (b *Breaker) fire(tr Transition) {
	if b.emit != nil {
		b.emit(tr)
	}
}

// Status returns a snapshot, applying any due time-driven transition first.
func (b *Breaker) Status() Status {
	now := b.clock.Now()
	b.mu.Lock()
	tr, changed := b.advanceLocked(now)
	st := Status{
		Platform:          b.platform,
		State:             b.state,
		Failures:          b.failures,
		HalfOpenSuccesses: b.successes,
		InFlightProbes:    b.inflight,
		OpenedAt:          b.openedAt,
	}
	if b.state == Open {
		st.RetryAt = b.openedAt.Add(b.cfg.CoolDown)
	}
	b.mu.Unlock()
	if changed {
		b.fire(tr)
	}
	return st
}

// Reset forces the breaker closed. It reports whether the state changed.
func (b *Breaker) Reset() bool {
	now := b.clock.Now()
	b.mu.Lock()
	prev := b.state
	tr := b.toLocked(Closed, now)
	tr.Manual = true
	b.inflight = 0
	b.mu.Unlock()

	if prev != Closed {
		b.fire(tr)
		return true
	}
	return false
}

func (b *Breaker) setConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

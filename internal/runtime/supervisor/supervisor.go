// Package supervisor hosts postpilot's long-running goroutines: the delivery
// workers and the scheduler, retry and recovery loops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "postpilot/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// A run lasting this long resets the restart backoff.
	healthyRun = 30 * time.Second
)

// Supervisor runs named goroutines on a shared context. Panics become
// errors, the first error is kept, and GoRestart loops come back after a
// failure.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	active   atomic.Int64
	firstErr atomic.Pointer[error]
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	stats map[string]*Stats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context once any goroutine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Stats is the per-name view exposed on /healthz.
type Stats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
}

type Snapshot struct {
	Active     int64   `json:"active"`
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{}), stats: map[string]*Stats{}, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first failure, prefixed with the goroutine name.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Snapshot is safe on a nil Supervisor.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Goroutines, func(a, b Stats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

func (s *Supervisor) update(name string, fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	fn(st)
}

// fail records err for name. Cancellation is not a failure.
func (s *Supervisor) fail(name string, err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	now := time.Now()
	s.update(name, func(st *Stats) { st.LastErr, st.LastErrAt = err.Error(), now })
	wrapped := fmt.Errorf("%s: %w", name, err)
	s.firstErr.CompareAndSwap(nil, &wrapped)
	return true
}

// once runs one incarnation of fn, turning a panic into an error.
func (s *Supervisor) once(name string, restarted bool, fn func(context.Context) error) (err error) {
	s.update(name, func(st *Stats) {
		st.Active++
		st.LastStartAt = time.Now()
		if restarted {
			st.Restarts++
		}
	})
	defer func() {
		if r := recover(); r != nil {
			s.update(name, func(st *Stats) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		s.update(name, func(st *Stats) { st.Active-- })
	}()
	return fn(s.ctx)
}

func (s *Supervisor) launch(body func()) {
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// Go runs fn once.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.launch(func() {
		if s.fail(name, s.once(name, false, fn)) && s.cancelOnErr {
			s.cancel()
		}
	})
}

type restartCfg struct {
	min, max time.Duration
}

type RestartOption func(*restartCfg)

func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(c *restartCfg) {
		if lo > 0 {
			c.min = lo
		}
		if hi > 0 {
			c.max = hi
		}
	}
}

// GoRestart keeps fn running until the context ends or fn returns nil.
// Errors and panics restart it after a jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	rc := restartCfg{min: defaultMinBackoff, max: defaultMaxBackoff}
	for _, o := range opts {
		o(&rc)
	}
	rc.max = max(rc.max, rc.min)

	s.launch(func() {
		wait := rc.min
		for restarted := false; s.ctx.Err() == nil; restarted = true {
			began := time.Now()
			err := s.once(name, restarted, fn)
			if s.ctx.Err() != nil || !s.fail(name, err) {
				return
			}
			if time.Since(began) >= healthyRun {
				wait = rc.min
			}
			pause := wait + rand.N(wait/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", pause), logx.Err(err))

			t := time.NewTimer(pause)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			wait = min(wait*2, rc.max)
		}
	})
}

// Stop cancels every goroutine and waits for them to return.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends, and returns the
// first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

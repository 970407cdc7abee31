package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	rtsup "postpilot/internal/runtime/supervisor"
	logx "postpilot/pkg/logx"
)

var errWorkerExited = errors.New("worker exited while running")

// runState lives from Start to the end of Stop.
type runState struct {
	sup       *rtsup.Supervisor
	queue     chan queued
	persist   chan dedupWrite // nil unless dedup is persisted
	accepting bool
	senders   sync.WaitGroup
}

// Start launches the workers. It is a no-op when disabled or already
// running, and waits for a Stop in progress to finish first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	for s.stopped != nil {
		wait := s.stopped
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.run != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	run := &runState{
		queue:     make(chan queued, cfg.QueueSize),
		accepting: true,
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
			rtsup.WithCancelOnError(false),
		),
	}
	if cfg.PersistDedup && s.store != nil {
		run.persist = make(chan dedupWrite, 1024)
	}
	s.run = run
	s.mu.Unlock()

	if run.persist != nil {
		run.sup.GoRestart("notifier.dedup.persist", func(c context.Context) error {
			return s.exit(c, s.persistLoop(c, run.persist))
		})
	}
	for i := range cfg.Workers {
		run.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.exit(c, s.work(c, run.queue))
		})
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Any("sinks", s.SinkNames()))
}

// exit turns a loop return into a restart decision: a drained channel
// during Stop ends the goroutine, anything else restarts it.
func (s *Service) exit(ctx context.Context, drained bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if drained {
		return nil
	}
	return errWorkerExited
}

// Stop closes intake and lets the workers drain the queue. When ctx ends
// first the workers are cancelled and the rest of the queue is lost.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	run := s.run
	if run == nil {
		s.mu.Unlock()
		return
	}
	if wait := s.stopped; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopped = done
	run.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		run.senders.Wait()
		close(run.queue)
		if run.persist != nil {
			close(run.persist)
		}
		_ = run.sup.Wait(context.Background())

		s.mu.Lock()
		s.run, s.stopped = nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		run.sup.Cancel()
	}
}

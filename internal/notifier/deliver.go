package notifier

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

// work drains q. It reports true once q is closed.
func (s *Service) work(ctx context.Context, q <-chan queued) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case item, ok := <-q:
			if !ok {
				return true
			}
			s.fanOut(ctx, item)
		}
	}
}

// fanOut sends to every sink; one failing sink does not stop the others.
func (s *Service) fanOut(ctx context.Context, item queued) {
	s.mu.Lock()
	sinks, cfg, lim := s.sinks, s.cfg, s.limiter
	s.mu.Unlock()

	h := HistoryItem{At: item.n.At, Kind: item.n.Kind, Title: item.n.Title}
	var failed []string
	for _, sk := range sinks {
		ev := NotificationEvent{Kind: item.n.Kind, Sink: sk.Name(), Key: item.key, At: item.n.At}
		err := s.send(ctx, sk, item.n, cfg, lim)
		if err == nil {
			h.Sinks = append(h.Sinks, sk.Name())
			eventbus.Emit(s.bus, eventbus.NotifierSent, time.Now(), ev)
			continue
		}
		failed = append(failed, sk.Name()+": "+err.Error())
		ev.Error = err.Error()
		eventbus.Emit(s.bus, eventbus.NotifierFailed, time.Now(), ev)
		s.log.Warn("notification not delivered",
			logx.String("sink", sk.Name()),
			logx.String("kind", string(item.n.Kind)),
			logx.Err(err),
		)
	}
	h.Error = strings.Join(failed, "; ")
	s.record(h)
}

func (s *Service) send(ctx context.Context, sk Sink, n Notification, cfg Config, lim *rate.Limiter) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = sk.Send(sctx, n)
		cancel()
		if err == nil || attempt > cfg.RetryMax {
			return err
		}
		s.log.Debug("notification send failed; retrying",
			logx.String("sink", sk.Name()),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)

		t := time.NewTimer(backoff(cfg, attempt, rand.Float64()))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// backoff is the pause after the given failed attempt: RetryBase doubled
// per attempt, scaled by a 0.7..1.3 jitter factor from r, capped at
// RetryMaxDelay.
func backoff(cfg Config, attempt int, r float64) time.Duration {
	d := cfg.RetryBase
	for range attempt - 1 {
		if d >= cfg.RetryMaxDelay/2 {
			d = cfg.RetryMaxDelay
			break
		}
		d *= 2
	}
	return min(time.Duration(float64(d)*(0.7+0.6*r)), cfg.RetryMaxDelay)
}

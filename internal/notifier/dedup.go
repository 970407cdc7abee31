package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	logx "postpilot/pkg/logx"
)

type dedupWrite struct {
	key   string
	until time.Time
}

// suppressor remembers, per dedup key, until when repeats are dropped.
type suppressor struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newSuppressor() *suppressor { return &suppressor{until: map[string]time.Time{}} }

func (p *suppressor) active(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Before(p.until[key])
}

// mark records key until the given time, then prunes expired keys and, past
// limit, the ones expiring soonest.
func (p *suppressor) mark(key string, until, now time.Time, limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.until[key] = until
	for k, u := range p.until {
		if !now.Before(u) {
			delete(p.until, k)
		}
	}
	over := len(p.until) - limit
	if over <= 0 {
		return
	}
	keys := make([]string, 0, len(p.until))
	for k := range p.until {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int { return p.until[a].Compare(p.until[b]) })
	for _, k := range keys[:over] {
		delete(p.until, k)
	}
}

// admit reports whether the alert with key may be sent, and starts its
// suppression window when it may. With PersistDedup the store is consulted
// so windows outlive restarts.
func (s *Service) admit(ctx context.Context, run *runState, key string, cfg Config) bool {
	now := time.Now()
	if s.seen.active(key, now) {
		return false
	}
	if run.persist != nil {
		lctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.seen.mark(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.seen.mark(key, until, now, cfg.DedupMaxEntries)
	if run.persist != nil {
		select {
		case run.persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// persistLoop writes suppression windows to the store. It reports true
// once ch is closed.
func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case w, ok := <-ch:
			if !ok {
				return true
			}
			wctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// dedupKey is Kind plus the explicit Key, or a hash of the title and text.
func dedupKey(n Notification) string {
	if n.Key != "" {
		return string(n.Kind) + ":" + n.Key
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s", n.Kind, n.Title, n.Text)
	return fmt.Sprintf("%s:%016x", n.Kind, h.Sum64())
}

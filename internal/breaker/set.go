package breaker

import (
	"sort"
	"strings"
	"sync"

	"postpilot/internal/clock"
)

// Set owns one Breaker per platform. The map lock only guards lookups;
// each breaker synchronizes on its own mutex.
type Set struct {
	clock clock.Clock

	mu        sync.RWMutex
	m         map[string]*Breaker
	def       Config
	overrides map[string]Config
	listeners []Listener
}

func NewSet(def Config, overrides map[string]Config, clk clock.Clock) *Set {
	s := &Set{clock: clock.Or(clk), m: make(map[string]*Breaker)}
	s.def = def
	s.overrides = normalizeOverrides(overrides)
	return s
}

// OnStateChange registers l for every transition of every breaker.
// Listeners run synchronously on the goroutine that caused the change.
func (s *Set) OnStateChange(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Set) emit(tr Transition) {
	s.mu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range ls {
		l(tr)
	}
}

func key(platform string) string { return strings.ToLower(strings.TrimSpace(platform)) }

// Get returns the breaker for platform, creating it on first use.
func (s *Set) Get(platform string) *Breaker {
	k := key(platform)
	s.mu.RLock()
	b := s.m[k]
	s.mu.RUnlock()
	if b != nil {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.m[k]; b != nil {
		return b
	}
	b = newBreaker(k, s.configForLocked(k), s.clock, s.emit)
	s.m[k] = b
	return b
}

func (s *Set) configForLocked(k string) Config {
	if c, ok := s.overrides[k]; ok {
		return c
	}
	return s.def
}

// Apply swaps thresholds on config reload. Breaker state is kept.
func (s *Set) Apply(def Config, overrides map[string]Config) {
	s.mu.Lock()
	s.def = def
	s.overrides = normalizeOverrides(overrides)
	bs := make(map[string]*Breaker, len(s.m))
	for k, b := range s.m {
		bs[k] = b
	}
	cfgs := make(map[string]Config, len(bs))
	for k := range bs {
		cfgs[k] = s.configForLocked(k)
	}
	s.mu.Unlock()

	for k, b := range bs {
		b.setConfig(cfgs[k])
	}
}

func (s *Set) Status(platform string) Status { return s.Get(platform).Status() }

// Statuses returns a snapshot of every breaker created so far, by platform.
func (s *Set) Statuses() []Status {
	s.mu.RLock()
	bs := make([]*Breaker, 0, len(s.m))
	for _, b := range s.m {
		bs = append(bs, b)
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (s *Set) Reset(platform string) bool { return s.Get(platform).Reset() }

func normalizeOverrides(in map[string]Config) map[string]Config {
	out := make(map[string]Config, len(in))
	for k, v := range in {
		out[key(k)] = v
	}
	return out
}

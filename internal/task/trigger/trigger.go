// Package trigger drives postpilot's periodic loops (due posts, due retries,
// stale claim recovery) from cron or interval schedules.
//
// A loop never overlaps itself: a tick that fires while the previous run is
// still going is skipped. Kick runs a loop immediately under the same rule.
package trigger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "postpilot/pkg/logx"
)

var ErrUnknownLoop = errors.New("trigger: unknown loop")

type Config struct {
	// Timezone is an IANA zone used for cron expressions. Empty means UTC.
	Timezone string
}

// Loop is one registered periodic job.
type Loop struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type LoopInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Runs     uint64    `json:"runs"`
	Skipped  uint64    `json:"skipped"`
	Failures uint64    `json:"failures"`
	LastErr  string    `json:"last_err,omitempty"`
}

type loopDef struct {
	Loop
	spec    ParsedSpec
	entryID cron.EntryID

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Value // string
	warn     logx.Throttle
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	ctx    context.Context

	loops map[string]*loopDef
	wg    sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loops:  map[string]*loopDef{},
	}
}

// Register adds or replaces a loop. Loops registered while running are
// scheduled immediately.
func (s *Service) Register(l Loop) error {
	name := strings.TrimSpace(l.Name)
	if name == "" {
		return errors.New("loop name required")
	}
	if l.Run == nil {
		return errors.New("loop Run is nil")
	}
	ps, err := ParseSchedule(l.Schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(ps.Expr()); err != nil {
		return err
	}
	l.Name = name
	def := &loopDef{Loop: l, spec: ps, warn: logx.Throttle{Every: time.Minute}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.loops[name]; old != nil && s.c != nil {
		s.c.Remove(old.entryID)
	}
	s.loops[name] = def
	if s.c != nil {
		return s.addLocked(def)
	}
	return nil
}

// Reschedule changes the schedule of an existing loop.
func (s *Service) Reschedule(name, schedule string) error {
	s.mu.Lock()
	def := s.loops[name]
	s.mu.Unlock()
	if def == nil {
		return ErrUnknownLoop
	}
	if def.Schedule == schedule {
		return nil
	}
	l := def.Loop
	l.Schedule = schedule
	return s.Register(l)
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("loops", len(s.loops)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	for _, def := range s.loops {
		if err := s.addLocked(def); err != nil {
			s.log.Error("loop register failed", logx.String("loop", def.Name), logx.String("schedule", def.Schedule), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.startLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) addLocked(def *loopDef) error {
	id, err := s.c.AddFunc(def.spec.Expr(), func() { s.fire(def) })
	if err != nil {
		return err
	}
	def.entryID = id
	return nil
}

// Stop stops triggering and waits for running loops, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("trigger stopped")
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out", logx.Err(ctx.Err()))
	}
}

// Kick runs the named loop now in the background unless it is already
// running. It reports whether a run was started.
func (s *Service) Kick(name string) (bool, error) {
	s.mu.Lock()
	def := s.loops[name]
	if def == nil {
		s.mu.Unlock()
		return false, ErrUnknownLoop
	}
	// The Add happens under mu so a concurrent Stop either sees it in its
	// Wait or has already cleared s.c.
	if s.c == nil || !def.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return false, nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		defer def.running.Store(false)
		s.exec(def)
	}()
	return true, nil
}

// RunOnce runs the named loop synchronously, respecting the no-overlap rule.
// Used by tests and by one-shot CLI commands.
func (s *Service) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	def := s.loops[name]
	s.mu.Unlock()
	if def == nil {
		return ErrUnknownLoop
	}
	if !def.running.CompareAndSwap(false, true) {
		return nil
	}
	defer def.running.Store(false)
	return def.Run(ctx)
}

func (s *Service) fire(def *loopDef) {
	if !def.running.CompareAndSwap(false, true) {
		def.skipped.Add(1)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer def.running.Store(false)
	s.exec(def)
}

func (s *Service) exec(def *loopDef) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if base.Err() != nil {
		return
	}
	ctx := base
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		ctx, cancel = context.WithTimeout(base, def.Timeout)
		defer cancel()
	}

	start := time.Now()
	def.runs.Add(1)
	err := def.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		def.failures.Add(1)
		def.lastErr.Store(err.Error())
		if def.warn.Allow(time.Now()) {
			s.log.Warn("loop failed", logx.String("loop", def.Name), logx.Err(err), logx.Duration("dur", time.Since(start)))
		}
		return
	}
	s.log.Trace("loop done", logx.String("loop", def.Name), logx.Duration("dur", time.Since(start)))
}

func (s *Service) Loops() []LoopInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LoopInfo, 0, len(s.loops))
	for _, def := range s.loops {
		info := LoopInfo{
			Name:     def.Name,
			Schedule: def.Schedule,
			Runs:     def.runs.Load(),
			Skipped:  def.skipped.Load(),
			Failures: def.failures.Load(),
		}
		if v, ok := def.lastErr.Load().(string); ok {
			info.LastErr = v
		}
		if s.c != nil {
			e := s.c.Entry(def.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package app

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"postpilot/internal/breaker"
	"postpilot/internal/config"
	"postpilot/internal/engine"
	"postpilot/internal/notifier"
	"postpilot/internal/observability"
	"postpilot/internal/platform"
	"postpilot/internal/publisher"
	"postpilot/internal/retry"
	"postpilot/internal/scheduler"
	"postpilot/internal/storage"
	"postpilot/internal/task/pool"
	logx "postpilot/pkg/logx"
)

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	auto := true
	if sc.AutoMigrate != nil {
		auto = *sc.AutoMigrate
	}

	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, AutoMigrate: auto}, nil
	case "postgres", "postgresql", "pg":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path (DSN) is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", Path: path, MaxOpenConns: sc.MaxOpenConns, AutoMigrate: auto}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// enabledPlatforms returns the normalized ids of platforms accepting posts.
// No platforms section enables every known platform.
func enabledPlatforms(cfg *config.Config) []string {
	if cfg == nil || len(cfg.Platforms) == 0 {
		return append([]string(nil), platform.Known...)
	}
	var out []string
	for name, pc := range cfg.Platforms {
		if pc.Enabled != nil && !*pc.Enabled {
			continue
		}
		out = append(out, platform.Normalize(name))
	}
	sort.Strings(out)
	return out
}

func mapRetryPolicy(path string, rp config.RetryPolicy) (retry.Policy, error) {
	if rp.MaxAttempts < 0 {
		return retry.Policy{}, fmt.Errorf("%s.max_attempts must be >= 0", path)
	}
	if rp.Multiplier != 0 && rp.Multiplier < 1 {
		return retry.Policy{}, fmt.Errorf("%s.multiplier must be >= 1", path)
	}
	base, err := parseDurationField(path+".base_delay", rp.BaseDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	maxDelay, err := parseDurationField(path+".max_delay", rp.MaxDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	p := retry.Policy{MaxAttempts: rp.MaxAttempts, BaseDelay: base, Multiplier: rp.Multiplier, MaxDelay: maxDelay}
	if rp.Jitter != nil {
		j := *rp.Jitter
		if j < 0 || j > 1 {
			return retry.Policy{}, fmt.Errorf("%s.jitter must be within [0,1]", path)
		}
		if j == 0 {
			// Policy treats zero as "use default"; negative disables.
			j = -1
		}
		p.Jitter = j
	}
	return p, nil
}

// mergeRetry overlays the non-zero fields of o on base.
func mergeRetry(base config.RetryPolicy, o *config.RetryPolicy) config.RetryPolicy {
	if o == nil {
		return base
	}
	if o.MaxAttempts != 0 {
		base.MaxAttempts = o.MaxAttempts
	}
	if o.BaseDelay != "" {
		base.BaseDelay = o.BaseDelay
	}
	if o.Multiplier != 0 {
		base.Multiplier = o.Multiplier
	}
	if o.MaxDelay != "" {
		base.MaxDelay = o.MaxDelay
	}
	if o.Jitter != nil {
		base.Jitter = o.Jitter
	}
	return base
}

func mapBreaker(path string, bt config.BreakerThresholds) (breaker.Config, error) {
	if bt.FailureThreshold < 0 || bt.HalfOpenMaxProbes < 0 || bt.SuccessThreshold < 0 {
		return breaker.Config{}, fmt.Errorf("%s: thresholds must be >= 0", path)
	}
	window, err := parseDurationField(path+".window", bt.Window)
	if err != nil {
		return breaker.Config{}, err
	}
	cool, err := parseDurationField(path+".cool_down", bt.CoolDown)
	if err != nil {
		return breaker.Config{}, err
	}
	return breaker.Config{
		FailureThreshold:  bt.FailureThreshold,
		Window:            window,
		CoolDown:          cool,
		HalfOpenMaxProbes: bt.HalfOpenMaxProbes,
		SuccessThreshold:  bt.SuccessThreshold,
	}, nil
}

func mergeBreaker(base config.BreakerThresholds, o *config.BreakerThresholds) config.BreakerThresholds {
	if o == nil {
		return base
	}
	if o.FailureThreshold != 0 {
		base.FailureThreshold = o.FailureThreshold
	}
	if o.Window != "" {
		base.Window = o.Window
	}
	if o.CoolDown != "" {
		base.CoolDown = o.CoolDown
	}
	if o.HalfOpenMaxProbes != 0 {
		base.HalfOpenMaxProbes = o.HalfOpenMaxProbes
	}
	if o.SuccessThreshold != 0 {
		base.SuccessThreshold = o.SuccessThreshold
	}
	return base
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	var out engine.Config
	sc := cfg.Scheduler

	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		out.Timezone = tz
	}
	loopTimeout, err := parseDurationField("scheduler.loop_timeout", sc.LoopTimeout)
	if err != nil {
		return out, err
	}
	out.Loops = engine.Loops{
		DuePosts:   strings.TrimSpace(sc.PollInterval),
		DueRetries: strings.TrimSpace(sc.RetryInterval),
		Recovery:   strings.TrimSpace(sc.RecoveryInterval),
		Timeout:    loopTimeout,
	}

	if sc.BatchSize < 0 || sc.RecoveryBatch < 0 {
		return out, fmt.Errorf("scheduler batch sizes must be >= 0")
	}
	lease, err := parseDurationField("scheduler.claim_lease", sc.ClaimLease)
	if err != nil {
		return out, err
	}
	out.Scheduler = scheduler.Config{BatchSize: sc.BatchSize, ClaimLease: lease, RecoveryBatch: sc.RecoveryBatch}

	pc := cfg.Publisher
	if pc.Workers < 0 || pc.QueueSize < 0 || pc.StoreAttempts < 0 || pc.HistorySize < 0 {
		return out, fmt.Errorf("publisher sizes must be >= 0")
	}
	pubTimeout, err := parseDurationOrDefault("publisher.timeout", pc.Timeout, 30*time.Second)
	if err != nil {
		return out, err
	}
	maxQueueDelay, err := parseDurationField("publisher.max_queue_delay", pc.MaxQueueDelay)
	if err != nil {
		return out, err
	}
	out.Publisher = publisher.Config{Timeout: pubTimeout, StoreAttempts: pc.StoreAttempts}

	if cfg.Retry.BatchSize < 0 {
		return out, fmt.Errorf("retry.batch_size must be >= 0")
	}
	retryLease, err := parseDurationField("retry.lease", cfg.Retry.Lease)
	if err != nil {
		return out, err
	}
	def, err := mapRetryPolicy("retry", cfg.Retry.RetryPolicy)
	if err != nil {
		return out, err
	}
	out.Retry = retry.Config{Default: def, BatchSize: cfg.Retry.BatchSize, Lease: retryLease}

	out.Breaker, err = mapBreaker("breaker", cfg.Breaker.BreakerThresholds)
	if err != nil {
		return out, err
	}

	out.Posts = engine.Rules{
		Platforms:        enabledPlatforms(cfg),
		MaxContentLength: cfg.Posts.MaxContentLength,
		MaxImages:        cfg.Posts.MaxImages,
	}
	if cfg.Posts.MaxContentLength < 0 || cfg.Posts.MaxImages < 0 {
		return out, fmt.Errorf("posts limits must be >= 0")
	}

	// The pool deadline covers the publish call plus the result writes.
	longest := pubTimeout
	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Platforms[name]
		key := platform.Normalize(name)
		path := "platforms." + key
		if key == "" {
			return out, fmt.Errorf("platforms: empty platform id")
		}
		if p.Concurrency < 0 || p.Burst < 0 || p.RatePerSec < 0 || p.MaxContentLength < 0 {
			return out, fmt.Errorf("%s: limits must be >= 0", path)
		}

		t, err := parseDurationField(path+".timeout", p.Timeout)
		if err != nil {
			return out, err
		}
		if t > 0 {
			if out.Publisher.PlatformTimeouts == nil {
				out.Publisher.PlatformTimeouts = map[string]time.Duration{}
			}
			out.Publisher.PlatformTimeouts[key] = t
			longest = max(longest, t)
		}
		if p.Concurrency > 0 {
			if out.Concurrency == nil {
				out.Concurrency = map[string]int{}
			}
			out.Concurrency[key] = p.Concurrency
		}
		if p.RatePerSec > 0 {
			if out.RateLimits == nil {
				out.RateLimits = map[string]platform.Limit{}
			}
			out.RateLimits[key] = platform.Limit{PerSecond: p.RatePerSec, Burst: p.Burst}
		}
		if p.MaxContentLength > 0 {
			if out.Posts.PlatformMaxLength == nil {
				out.Posts.PlatformMaxLength = map[string]int{}
			}
			out.Posts.PlatformMaxLength[key] = p.MaxContentLength
		}
		if p.Retry != nil {
			pol, err := mapRetryPolicy(path+".retry", mergeRetry(cfg.Retry.RetryPolicy, p.Retry))
			if err != nil {
				return out, err
			}
			if out.Retry.Platforms == nil {
				out.Retry.Platforms = map[string]retry.Policy{}
			}
			out.Retry.Platforms[key] = pol
		}
		if p.Breaker != nil {
			bc, err := mapBreaker(path+".breaker", mergeBreaker(cfg.Breaker.BreakerThresholds, p.Breaker))
			if err != nil {
				return out, err
			}
			if out.BreakerOverrides == nil {
				out.BreakerOverrides = map[string]breaker.Config{}
			}
			out.BreakerOverrides[key] = bc
		}
	}

	if lease > 0 && lease <= longest {
		return out, fmt.Errorf("scheduler.claim_lease (%s) must exceed the publish timeout (%s)", lease, longest)
	}

	out.Pool = pool.Config{
		Workers:        pc.Workers,
		QueueSize:      pc.QueueSize,
		DefaultTimeout: 2 * longest,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    pc.HistorySize,
	}
	return out, nil
}

// buildAdapters registers one adapter per enabled platform.
func buildAdapters(cfg *config.Config) (*platform.Registry, error) {
	reg := platform.NewRegistry()
	if cfg == nil || len(cfg.Platforms) == 0 {
		for _, p := range platform.Known {
			reg.Register(p, platform.NewDryRun(0, 0, ""))
		}
		return reg, nil
	}
	for name, pc := range cfg.Platforms {
		if pc.Enabled != nil && !*pc.Enabled {
			continue
		}
		path := "platforms." + platform.Normalize(name)
		switch strings.ToLower(strings.TrimSpace(pc.Driver)) {
		case "", "dryrun", "dry-run":
			lat, err := parseDurationField(path+".dryrun.latency", pc.DryRun.Latency)
			if err != nil {
				return nil, err
			}
			if pc.DryRun.FailureRate < 0 || pc.DryRun.FailureRate > 1 {
				return nil, fmt.Errorf("%s.dryrun.failure_rate must be within [0,1]", path)
			}
			reg.Register(name, platform.NewDryRun(lat, pc.DryRun.FailureRate, platform.Kind(strings.TrimSpace(pc.DryRun.FailureKind))))
		default:
			return nil, fmt.Errorf("%s.driver: unknown driver %q", path, pc.Driver)
		}
	}
	return reg, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, *notifier.TelegramConfig, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       256,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		SendTimeout:     10 * time.Second,
		DedupWindow:     10 * time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, nil, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, nil, err
	}
	if out.SendTimeout, err = parseDurationOrDefault("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return notifier.Config{}, nil, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, nil, err
	}

	if out.Workers < 0 {
		return notifier.Config{}, nil, fmt.Errorf("notifier.workers must be >= 0")
	}
	if out.QueueSize < 0 {
		return notifier.Config{}, nil, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if out.RatePerSec < 0 {
		return notifier.Config{}, nil, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if out.RetryMax < 0 {
		return notifier.Config{}, nil, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	if out.DedupMaxEntries < 0 {
		return notifier.Config{}, nil, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}

	if n.Telegram == nil {
		return out, nil, nil
	}
	tg := n.Telegram
	if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
		return notifier.Config{}, nil, fmt.Errorf("notifier.telegram: token and chat_id are required")
	}
	return out, &notifier.TelegramConfig{
		Token:    strings.TrimSpace(tg.Token),
		ChatID:   tg.ChatID,
		ThreadID: tg.ThreadID,
		APIURL:   strings.TrimSpace(tg.APIURL),
	}, nil
}

// mapObservabilityConfig validates the section; it never starts the server.
func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	var out observability.Config
	if cfg == nil {
		return out, nil
	}
	oc := cfg.Observability
	out.Enabled = oc.Enabled
	out.AllowInsecure = oc.AllowInsecure
	out.Token = strings.TrimSpace(oc.Token)
	out.Addr = strings.TrimSpace(oc.Addr)
	out.Pprof = oc.Pprof
	if out.Addr == "" {
		out.Addr = observability.DefaultAddr
	}

	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 keeps long pprof profiles working.
	if out.WriteTimeout, err = parseDurationField("observability.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if oc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("observability.mutex_profile_fraction must be >= 0")
	}
	if oc.BlockProfileRate < 0 {
		return out, fmt.Errorf("observability.block_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = oc.MutexProfileFraction
	out.BlockProfileRate = oc.BlockProfileRate

	if out.Enabled {
		host, _, err := net.SplitHostPort(out.Addr)
		if err != nil {
			return out, fmt.Errorf("observability.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		loopback := strings.EqualFold(host, "localhost")
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			loopback = true
		}
		if !loopback && !out.AllowInsecure && out.Token == "" {
			return out, fmt.Errorf("observability: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

// validateConfig runs every mapping so a bad reload is rejected before it
// is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := buildAdapters(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	return nil
}

package config

import (
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and returns log fields
// describing the new values. Secrets (tokens, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	differs := func(a, b any) bool { return fingerprint(a) != fingerprint(b) }

	if differs(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, ns := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oldS.Driver), strings.TrimSpace(ns.Driver)) ||
		oldS.Path != ns.Path || oldS.BusyTimeout != ns.BusyTimeout || oldS.MaxOpenConns != ns.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
		)
	}

	if differs(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.String("scheduler.retry_interval", newCfg.Scheduler.RetryInterval),
			logx.String("scheduler.recovery_interval", newCfg.Scheduler.RecoveryInterval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if differs(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.String("retry.base_delay", newCfg.Retry.BaseDelay),
			logx.String("retry.max_delay", newCfg.Retry.MaxDelay),
		)
	}

	if differs(oldCfg.Breaker, newCfg.Breaker) {
		changed = append(changed, "breaker")
		attrs = append(attrs,
			logx.Int("breaker.failure_threshold", newCfg.Breaker.FailureThreshold),
			logx.String("breaker.cool_down", newCfg.Breaker.CoolDown),
		)
	}

	if differs(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.String("publisher.timeout", newCfg.Publisher.Timeout),
			logx.Int("publisher.workers", newCfg.Publisher.Workers),
			logx.Int("publisher.queue_size", newCfg.Publisher.QueueSize),
		)
	}

	if pc := diffPlatforms(oldCfg.Platforms, newCfg.Platforms); len(pc) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs,
			logx.Any("platforms.changed", pc),
			logx.Int("platforms.count", len(newCfg.Platforms)),
		)
	}

	if differs(oldCfg.Posts, newCfg.Posts) {
		changed = append(changed, "posts")
		attrs = append(attrs, logx.Int("posts.max_content_length", newCfg.Posts.MaxContentLength))
	}

	on, nn := notifierSummary(oldCfg.Notifier), notifierSummary(newCfg.Notifier)
	if differs(on, nn) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Bool("notifier.telegram", nn.Telegram != nil),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	oo.Token, no.Token = tokenMark(oo.Token), tokenMark(no.Token)
	if differs(oo, no) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.token_set", no.Token != ""),
			logx.Bool("observability.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// notifierSummary resolves an omitted section to runtime defaults and masks
// the Telegram token so only its presence counts.
func notifierSummary(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{
			Enabled:         true,
			Workers:         2,
			QueueSize:       256,
			RatePerSec:      3,
			RetryMax:        3,
			RetryBase:       "500ms",
			RetryMaxDelay:   "10s",
			DedupWindow:     "10m",
			DedupMaxEntries: 2000,
		}
	}
	out := *n
	if out.Telegram != nil {
		tg := *out.Telegram
		tg.Token = tokenMark(tg.Token)
		out.Telegram = &tg
	}
	return out
}

func tokenMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}

func diffPlatforms(oldM, newM map[string]PlatformConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	var out []string
	for name := range set {
		o, ook := oldM[name]
		n, nok := newM[name]
		if ook != nok || fingerprint(o) != fingerprint(n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

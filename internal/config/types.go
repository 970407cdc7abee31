package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "30s", "1h"). Omitted fields
// take the defaults of the component they configure.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retry     RetryConfig     `json:"retry"`
	Breaker   BreakerConfig   `json:"breaker"`
	Publisher PublisherConfig `json:"publisher"`

	// Platforms is keyed by platform id ("facebook", "x", ...). Only listed
	// platforms accept posts; an empty map enables every built-in platform
	// with the dry-run adapter.
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`
	Posts     PostsConfig               `json:"posts"`

	// Notifier may be omitted; it then runs with defaults and the log sink only.
	Notifier      *NotifierConfig     `json:"notifier,omitempty"`
	Observability ObservabilityConfig `json:"observability"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the post store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postpilot.db" }
//	"storage": { "driver": "postgres", "path": "postgres://pilot@db/postpilot?sslmode=disable" }
type StorageConfig struct {
	// Driver is memory (default), sqlite or postgres.
	Driver string `json:"driver"`
	// Path is the SQLite file or the PostgreSQL DSN (never logged).
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	// AutoMigrate defaults to true.
	AutoMigrate *bool `json:"auto_migrate,omitempty"`
}

// SchedulerConfig controls the periodic loops.
//
// Intervals accept cron expressions, "@every 5s", or plain durations.
//
// Defaults:
//   - poll_interval: "5s"
//   - retry_interval: "10s"
//   - recovery_interval: "1m"
//   - loop_timeout: "1m"
//   - batch_size: 100
//   - claim_lease: "10m" (must exceed publisher.timeout)
type SchedulerConfig struct {
	Timezone         string `json:"timezone,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty"`
	RetryInterval    string `json:"retry_interval,omitempty"`
	RecoveryInterval string `json:"recovery_interval,omitempty"`
	LoopTimeout      string `json:"loop_timeout,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	ClaimLease       string `json:"claim_lease,omitempty"`
	RecoveryBatch    int    `json:"recovery_batch,omitempty"`
}

// RetryPolicy is the backoff for one platform (or the default).
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	// Jitter is the +/- fraction per delay. Omitted means 0.2; 0 disables.
	Jitter *float64 `json:"jitter,omitempty"`
}

type RetryConfig struct {
	RetryPolicy
	BatchSize int `json:"batch_size,omitempty"`
	// Lease is how long a retry job may stay running before it is
	// returned to pending.
	Lease string `json:"lease,omitempty"`
}

type BreakerThresholds struct {
	FailureThreshold  int    `json:"failure_threshold,omitempty"`
	Window            string `json:"window,omitempty"`
	CoolDown          string `json:"cool_down,omitempty"`
	HalfOpenMaxProbes int    `json:"half_open_max_probes,omitempty"`
	SuccessThreshold  int    `json:"success_threshold,omitempty"`
}

type BreakerConfig struct {
	BreakerThresholds
}

// PublisherConfig controls delivery execution.
type PublisherConfig struct {
	// Timeout bounds one publish call. Default 30s.
	Timeout       string `json:"timeout,omitempty"`
	StoreAttempts int    `json:"store_attempts,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	// MaxQueueDelay drops deliveries that waited longer than this for a
	// worker; the next poll picks them up again. "0s" disables.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// PlatformConfig enables one platform and tunes its delivery.
type PlatformConfig struct {
	// Enabled defaults to true when the platform is listed.
	Enabled *bool `json:"enabled,omitempty"`
	// Driver is "dryrun" (default). Real adapters are registered by the
	// embedding service.
	Driver string `json:"driver,omitempty"`

	Timeout     string  `json:"timeout,omitempty"`
	Concurrency int     `json:"concurrency,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`

	MaxContentLength int `json:"max_content_length,omitempty"`

	Retry   *RetryPolicy       `json:"retry,omitempty"`
	Breaker *BreakerThresholds `json:"breaker,omitempty"`

	DryRun DryRunConfig `json:"dryrun"`
}

type DryRunConfig struct {
	Latency     string  `json:"latency,omitempty"`
	FailureRate float64 `json:"failure_rate,omitempty"`
	FailureKind string  `json:"failure_kind,omitempty"`
}

type PostsConfig struct {
	// MaxContentLength in characters. Default 5000.
	MaxContentLength int `json:"max_content_length,omitempty"`
	MaxImages        int `json:"max_images,omitempty"`
}

// NotifierConfig controls operator alerts.
//
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // never logged
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// ObservabilityConfig controls the HTTP server exposing /metrics, /healthz
// and /debug/pprof/.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - A non-loopback address requires a token or allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts /debug/pprof/ on the same server.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

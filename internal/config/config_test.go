package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./pilot.db
scheduler:
  poll_interval: 2s
retry:
  max_attempts: 4
  base_delay: 10s
  jitter: 0
platforms:
  x:
    concurrency: 2
    max_content_length: 280
    retry:
      max_attempts: 3
  facebook: {}
notifier:
  enabled: true
  telegram:
    token: "123:abc"
    chat_id: -100
observability:
  enabled: true
  addr: 127.0.0.1:9464
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("postpilot.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.NotNil(t, cfg.Retry.Jitter)
	require.Zero(t, *cfg.Retry.Jitter)
	require.Equal(t, 280, cfg.Platforms["x"].MaxContentLength)
	require.Equal(t, 3, cfg.Platforms["x"].Retry.MaxAttempts)
	require.Contains(t, cfg.Platforms, "facebook")
	require.EqualValues(t, -100, cfg.Notifier.Telegram.ChatID)

	js, err := Decode("postpilot.json", []byte(`{"storage":{"driver":"postgres","path":"postgres://x"},"posts":{"max_content_length":100}}`))
	require.NoError(t, err)
	require.Equal(t, "postgres", js.Storage.Driver)
	require.Equal(t, 100, js.Posts.MaxContentLength)

	empty, err := Decode("empty.yml", nil)
	require.NoError(t, err)
	require.Empty(t, empty.Platforms)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"storage":{"driver":"memory","dsn":"x"}}`))
	require.ErrorContains(t, err, "unknown field")

	_, err = Decode("c.yaml", []byte("scheduler:\n  poll: 5s\n"))
	require.ErrorContains(t, err, "unknown field")

	_, err = Decode("c.json", []byte(`{"logging":{}} {"logging":{}}`))
	require.ErrorContains(t, err, "trailing data")
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	old, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	same, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _ := SummarizeConfigChange(old, same)
	require.Empty(t, changed)

	// A rotated token alone is not reported.
	rotated, _ := Decode("a.yaml", []byte(sampleYAML))
	rotated.Notifier.Telegram.Token = "456:def"
	rotated.Observability.Token = "t"
	changed, _ = SummarizeConfigChange(old, rotated)
	require.Equal(t, []string{"observability"}, changed)

	next, _ := Decode("a.yaml", []byte(sampleYAML))
	next.Retry.MaxAttempts = 9
	next.Platforms["pinterest"] = PlatformConfig{}
	next.Scheduler.PollInterval = "1s"
	changed, attrs := SummarizeConfigChange(old, next)
	require.Equal(t, []string{"platforms", "retry", "scheduler"}, changed)
	require.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(nil, &Config{Notifier: &NotifierConfig{Enabled: false}})
	require.Equal(t, []string{"notifier"}, changed)
}

func TestManagerReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "postpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	// Unchanged content is not republished.
	require.False(t, m.reload(ctx))

	reject := errors.New("bad scheduler")
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Scheduler.PollInterval == "never" {
			return reject
		}
		return nil
	})
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"posts:\n  max_images: 4\n"), 0o600))
	require.True(t, m.reload(ctx))
	got := <-ch
	require.Equal(t, 4, got.Posts.MaxImages)

	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  poll_interval: never\n"), 0o600))
	require.False(t, m.reload(ctx))
	require.Equal(t, 4, m.Get().Posts.MaxImages)

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	require.False(t, m.reload(ctx))
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-ch)
	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}

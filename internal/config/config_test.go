package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/outreach_test
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/outreach_test", cfg.Database.URL)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Sending.Workers)
	assert.Equal(t, 10, cfg.Sending.ClaimBatch)
	assert.Equal(t, 10, cfg.Warmup.StartVolume)
	assert.Equal(t, 15, cfg.Warmup.DailyStep)
	assert.Equal(t, 9, cfg.Scheduler.WindowStartHour)
	assert.Equal(t, 17, cfg.Scheduler.WindowEndHour)
	assert.Equal(t, int64(100000), cfg.Scheduler.MaxQueueDepth)
	assert.Equal(t, 120, cfg.Poller.IntervalSeconds)
	assert.Equal(t, 10, cfg.Classifier.BatchSize)
	assert.Equal(t, "us-east-1", cfg.SES.Region)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RedactPII())
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9090
sending:
  workers: 8
  pace_per_second: 2
  pace_per_minute: 20
  pace_per_day: 500
scheduler:
  window_start_hour: 8
  window_end_hour: 18
  timezone: America/New_York
poller:
  auto_reply_phrases:
    - "on sabbatical"
logging:
  level: debug
  redact_pii: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Sending.Workers)
	assert.Equal(t, 2, cfg.Sending.PacePerSecond)
	assert.Equal(t, 500, cfg.Sending.PacePerDay)
	assert.Equal(t, 8, cfg.Scheduler.WindowStartHour)
	assert.Equal(t, 18, cfg.Scheduler.WindowEndHour)
	assert.Equal(t, "America/New_York", cfg.WindowLocation().String())
	assert.Equal(t, []string{"on sabbatical"}, cfg.Poller.AutoReplyPhrases)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.RedactPII())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/from_file
classifier:
  endpoint: https://file.example.com/classify
`)

	t.Setenv("DATABASE_URL", "postgres://env.example.com/outreach")
	t.Setenv("CLASSIFIER_API_KEY", "sk-test-123")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env.example.com/outreach", cfg.Database.URL)
	assert.Equal(t, "https://file.example.com/classify", cfg.Classifier.Endpoint)
	assert.Equal(t, "sk-test-123", cfg.Classifier.APIKey)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestWindowLocationFallback(t *testing.T) {
	cfg := &Config{}
	cfg.Scheduler.Timezone = "Not/AZone"
	assert.Equal(t, "UTC", cfg.WindowLocation().String())
}

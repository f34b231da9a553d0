// Package config loads the worker configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/reachforge/outreach/internal/transport"
)

// Config holds all configuration for the outreach worker.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Database   DatabaseConfig      `yaml:"database"`
	Redis      RedisConfig         `yaml:"redis"`
	SES        transport.SESConfig `yaml:"ses"`
	Sending    SendingConfig       `yaml:"sending"`
	Warmup     WarmupConfig        `yaml:"warmup"`
	Scheduler  SchedulerConfig     `yaml:"scheduler"`
	Poller     PollerConfig        `yaml:"poller"`
	Classifier ClassifierConfig    `yaml:"classifier"`
	Logging    LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the ops HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection settings. An empty URL runs
// without Redis: locks fall back to PG advisory locks and mailbox
// pacing is disabled.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SendingConfig sizes the dispatch pool and per-mailbox pacing.
type SendingConfig struct {
	Workers            int `yaml:"workers"`
	ClaimBatch         int `yaml:"claim_batch"`
	PollSeconds        int `yaml:"poll_seconds"`
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
	PacePerSecond      int `yaml:"pace_per_second"`
	PacePerMinute      int `yaml:"pace_per_minute"`
	PacePerDay         int `yaml:"pace_per_day"`
	ChannelPerSecond   int `yaml:"channel_per_second"`
	ChannelPerMinute   int `yaml:"channel_per_minute"`
	ChannelPerDay      int `yaml:"channel_per_day"`
	StaleAfterMinutes  int `yaml:"stale_after_minutes"`
}

// WarmupConfig controls the mailbox ramp.
type WarmupConfig struct {
	StartVolume  int `yaml:"start_volume"`
	DailyStep    int `yaml:"daily_step"`
	CheckMinutes int `yaml:"check_minutes"`
}

// SchedulerConfig controls queueing cadence and the send window.
type SchedulerConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	WindowStartHour int    `yaml:"window_start_hour"`
	WindowEndHour   int    `yaml:"window_end_hour"`
	Timezone        string `yaml:"timezone"`
	MaxQueueDepth   int64  `yaml:"max_queue_depth"`
}

// PollerConfig controls inbox polling.
type PollerConfig struct {
	IntervalSeconds  int      `yaml:"interval_seconds"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	AutoReplyPhrases []string `yaml:"auto_reply_phrases"`
}

// ClassifierConfig points at the reply classification service.
type ClassifierConfig struct {
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	BatchSize       int    `yaml:"batch_size"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// LoggingConfig controls log level and PII masking.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and validates the YAML config at path, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Sending.Workers == 0 {
		c.Sending.Workers = 4
	}
	if c.Sending.ClaimBatch == 0 {
		c.Sending.ClaimBatch = 10
	}
	if c.Sending.PollSeconds == 0 {
		c.Sending.PollSeconds = 5
	}
	if c.Sending.SendTimeoutSeconds == 0 {
		c.Sending.SendTimeoutSeconds = 30
	}
	if c.Sending.StaleAfterMinutes == 0 {
		c.Sending.StaleAfterMinutes = 10
	}
	if c.Warmup.StartVolume == 0 {
		c.Warmup.StartVolume = 10
	}
	if c.Warmup.DailyStep == 0 {
		c.Warmup.DailyStep = 15
	}
	if c.Warmup.CheckMinutes == 0 {
		c.Warmup.CheckMinutes = 60
	}
	if c.Scheduler.IntervalSeconds == 0 {
		c.Scheduler.IntervalSeconds = 60
	}
	if c.Scheduler.WindowStartHour == 0 {
		c.Scheduler.WindowStartHour = 9
	}
	if c.Scheduler.WindowEndHour == 0 {
		c.Scheduler.WindowEndHour = 17
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Scheduler.MaxQueueDepth == 0 {
		c.Scheduler.MaxQueueDepth = 100000
	}
	if c.Poller.IntervalSeconds == 0 {
		c.Poller.IntervalSeconds = 120
	}
	if c.Poller.TimeoutSeconds == 0 {
		c.Poller.TimeoutSeconds = 30
	}
	if c.Classifier.TimeoutSeconds == 0 {
		c.Classifier.TimeoutSeconds = 60
	}
	if c.Classifier.BatchSize == 0 {
		c.Classifier.BatchSize = 10
	}
	if c.Classifier.IntervalSeconds == 0 {
		c.Classifier.IntervalSeconds = 15
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadFromEnv loads the YAML config and then overrides secrets and
// connection strings from the environment. A .env file is honored when
// present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("CLASSIFIER_ENDPOINT"); v != "" {
		cfg.Classifier.Endpoint = v
	}
	if v := os.Getenv("CLASSIFIER_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

// WindowLocation resolves the scheduler timezone, falling back to UTC.
func (c *Config) WindowLocation() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RedactPII reports whether address masking is on (default true).
func (c *Config) RedactPII() bool {
	if c.Logging.RedactPII == nil {
		return true
	}
	return *c.Logging.RedactPII
}

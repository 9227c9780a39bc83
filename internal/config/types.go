package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration document. It accepts JSON or YAML;
// unknown fields are rejected. All durations are Go duration strings
// (e.g. "500ms", "10s", "2m").
type Config struct {
	Logging     LoggingConfig   `json:"logging"`
	Storage     StorageConfig   `json:"storage"`
	Queue       QueueConfig     `json:"queue"`
	Monitor     MonitorConfig   `json:"monitor"`
	Analytics   AnalyticsConfig `json:"analytics"`
	Preferences PrefsConfig     `json:"preferences"`
	Channels    ChannelsConfig  `json:"channels"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./medalert.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the durable retry queue.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 10
//   - parallelism: 4
//   - poll_interval: "2s"
//   - max_processing_time: "30s"
//   - reaper_interval: "1m"
//   - reaper_grace: "5m"
//   - retry_delays: ["1s", "5s", "15s"]
//   - max_attempts: 3
//   - shutdown_grace: "10s"
type QueueConfig struct {
	BatchSize         int      `json:"batch_size,omitempty"`
	Parallelism       int      `json:"parallelism,omitempty"`
	PollInterval      string   `json:"poll_interval,omitempty"`
	MaxProcessingTime string   `json:"max_processing_time,omitempty"`
	ReaperInterval    string   `json:"reaper_interval,omitempty"`
	ReaperGrace       string   `json:"reaper_grace,omitempty"`
	RetryDelays       []string `json:"retry_delays,omitempty"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	ShutdownGrace     string   `json:"shutdown_grace,omitempty"`
}

// MonitorConfig controls queue health monitoring.
//
// Failure rates are fractions in [0,1].
type MonitorConfig struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	SampleInterval      string  `json:"sample_interval,omitempty"`
	Window              string  `json:"window,omitempty"`
	DepthWarning        int     `json:"depth_warning,omitempty"`
	DepthCritical       int     `json:"depth_critical,omitempty"`
	FailureRateWarning  float64 `json:"failure_rate_warning,omitempty"`
	FailureRateCritical float64 `json:"failure_rate_critical,omitempty"`
	StuckWarning        int     `json:"stuck_warning,omitempty"`
}

type AnalyticsConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	RecentSize    int    `json:"recent_size,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
	HourlySpec    string `json:"hourly_spec,omitempty"` // cron spec, default "5 * * * *"
	DailySpec     string `json:"daily_spec,omitempty"`  // cron spec, default "10 0 * * *"
}

type PrefsConfig struct {
	CacheTTL string `json:"cache_ttl,omitempty"` // default "5m"
}

type ChannelsConfig struct {
	Push   PushChannelConfig   `json:"push"`
	Chat   ChatChannelConfig   `json:"chat"`
	Email  EmailChannelConfig  `json:"email"`
	Socket SocketChannelConfig `json:"socket"`
}

type PushChannelConfig struct {
	Enabled    bool   `json:"enabled"`
	Endpoint   string `json:"endpoint,omitempty"`
	Token      string `json:"token,omitempty"` // bearer token (do not log)
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
}

type ChatChannelConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Username   string `json:"username,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type EmailChannelConfig struct {
	Enabled  bool   `json:"enabled"`
	SMTPAddr string `json:"smtp_addr,omitempty"` // host:port
	From     string `json:"from,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	// Domain maps recipient IDs without an @ to an address.
	Domain string `json:"domain,omitempty"`
}

type SocketChannelConfig struct {
	Enabled      bool   `json:"enabled"`
	ListenAddr   string `json:"listen_addr,omitempty"` // default "127.0.0.1:8090"
	SendBuffer   int    `json:"send_buffer,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// Validate checks cross-field constraints. Parse errors in duration
// fields surface here so a bad reload never reaches the components.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	for _, f := range []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"queue.poll_interval", cfg.Queue.PollInterval},
		{"queue.max_processing_time", cfg.Queue.MaxProcessingTime},
		{"queue.reaper_interval", cfg.Queue.ReaperInterval},
		{"queue.reaper_grace", cfg.Queue.ReaperGrace},
		{"queue.shutdown_grace", cfg.Queue.ShutdownGrace},
		{"monitor.sample_interval", cfg.Monitor.SampleInterval},
		{"monitor.window", cfg.Monitor.Window},
		{"preferences.cache_ttl", cfg.Preferences.CacheTTL},
		{"channels.push.timeout", cfg.Channels.Push.Timeout},
		{"channels.chat.timeout", cfg.Channels.Chat.Timeout},
		{"channels.socket.write_timeout", cfg.Channels.Socket.WriteTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	for i, raw := range cfg.Queue.RetryDelays {
		if _, err := ParseDurationField(fmt.Sprintf("queue.retry_delays[%d]", i), raw); err != nil {
			return err
		}
	}
	if cfg.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.max_attempts must be >= 0")
	}

	if cfg.Monitor.DepthWarning < 0 || cfg.Monitor.DepthCritical < 0 {
		return fmt.Errorf("monitor depth thresholds must be >= 0")
	}
	if cfg.Monitor.DepthWarning > 0 && cfg.Monitor.DepthCritical > 0 &&
		cfg.Monitor.DepthWarning >= cfg.Monitor.DepthCritical {
		return fmt.Errorf("monitor.depth_warning must be below monitor.depth_critical")
	}
	for _, v := range []struct {
		path string
		rate float64
	}{
		{"monitor.failure_rate_warning", cfg.Monitor.FailureRateWarning},
		{"monitor.failure_rate_critical", cfg.Monitor.FailureRateCritical},
	} {
		if v.rate < 0 || v.rate > 1 {
			return fmt.Errorf("%s must be within [0,1]", v.path)
		}
	}
	if w, c := cfg.Monitor.FailureRateWarning, cfg.Monitor.FailureRateCritical; w > 0 && c > 0 && w >= c {
		return fmt.Errorf("monitor.failure_rate_warning must be below monitor.failure_rate_critical")
	}

	if cfg.Channels.Push.Enabled && strings.TrimSpace(cfg.Channels.Push.Endpoint) == "" {
		return fmt.Errorf("channels.push.endpoint is required when push is enabled")
	}
	if cfg.Channels.Chat.Enabled && strings.TrimSpace(cfg.Channels.Chat.WebhookURL) == "" {
		return fmt.Errorf("channels.chat.webhook_url is required when chat is enabled")
	}
	if cfg.Channels.Email.Enabled {
		if strings.TrimSpace(cfg.Channels.Email.SMTPAddr) == "" {
			return fmt.Errorf("channels.email.smtp_addr is required when email is enabled")
		}
		if strings.TrimSpace(cfg.Channels.Email.From) == "" {
			return fmt.Errorf("channels.email.from is required when email is enabled")
		}
	}
	return nil
}

// Duration helpers with per-field defaults, used at wiring time.

func (c QueueConfig) PollIntervalOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("queue.poll_interval", c.PollInterval, def)
	return d
}

func (c QueueConfig) MaxProcessingTimeOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("queue.max_processing_time", c.MaxProcessingTime, def)
	return d
}

func (c QueueConfig) ReaperIntervalOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("queue.reaper_interval", c.ReaperInterval, def)
	return d
}

func (c QueueConfig) ReaperGraceOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("queue.reaper_grace", c.ReaperGrace, def)
	return d
}

func (c QueueConfig) ShutdownGraceOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("queue.shutdown_grace", c.ShutdownGrace, def)
	return d
}

// RetryDelayList parses retry_delays, falling back to def on empty.
func (c QueueConfig) RetryDelayList(def []time.Duration) []time.Duration {
	if len(c.RetryDelays) == 0 {
		return def
	}
	out := make([]time.Duration, 0, len(c.RetryDelays))
	for i, raw := range c.RetryDelays {
		d, err := ParseDurationField(fmt.Sprintf("queue.retry_delays[%d]", i), raw)
		if err != nil || d <= 0 {
			return def
		}
		out = append(out, d)
	}
	return out
}

func (c MonitorConfig) SampleIntervalOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("monitor.sample_interval", c.SampleInterval, def)
	return d
}

func (c MonitorConfig) WindowOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("monitor.window", c.Window, def)
	return d
}

func (c PrefsConfig) CacheTTLOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("preferences.cache_ttl", c.CacheTTL, def)
	return d
}

func (c StorageConfig) BusyTimeoutOr(def time.Duration) time.Duration {
	d, _ := ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, def)
	return d
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSONStrict(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./medalert.db"},
		"queue": {"batch_size": 5, "poll_interval": "1s", "reaper_interval": "45s", "retry_delays": ["1s", "5s", "15s"]},
		"monitor": {"depth_warning": 100, "depth_critical": 500},
		"analytics": {},
		"preferences": {"cache_ttl": "5m"},
		"channels": {
			"push": {"enabled": false},
			"chat": {"enabled": false},
			"email": {"enabled": false},
			"socket": {"enabled": false}
		}
	}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.BatchSize != 5 {
		t.Fatalf("batch_size = %d, want 5", cfg.Queue.BatchSize)
	}
	if got := cfg.Queue.PollIntervalOr(2 * time.Second); got != time.Second {
		t.Fatalf("poll interval = %v, want 1s", got)
	}
	if got := cfg.Queue.ReaperIntervalOr(time.Minute); got != 45*time.Second {
		t.Fatalf("reaper interval = %v, want 45s", got)
	}
	delays := cfg.Queue.RetryDelayList(nil)
	want := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("retry delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("retry delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: info
  console: true
storage:
  driver: memory
queue:
  max_attempts: 4
monitor: {}
analytics: {}
preferences: {}
channels:
  push: {enabled: false}
  chat: {enabled: false}
  email: {enabled: false}
  socket: {enabled: false}
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Queue.MaxAttempts != 4 {
		t.Fatalf("max_attempts = %d", cfg.Queue.MaxAttempts)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeFile(t, "config.json", `{"loging": {"level": "info"}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("load accepted a misspelled section")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{}
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"empty ok", func(*Config) {}, false},
		{"bad duration", func(c *Config) { c.Queue.PollInterval = "soon" }, true},
		{"bad reaper interval", func(c *Config) { c.Queue.ReaperInterval = "often" }, true},
		{"negative duration", func(c *Config) { c.Monitor.Window = "-5m" }, true},
		{"bad retry delay", func(c *Config) { c.Queue.RetryDelays = []string{"1s", "nope"} }, true},
		{"warning above critical", func(c *Config) {
			c.Monitor.DepthWarning = 500
			c.Monitor.DepthCritical = 100
		}, true},
		{"failure rate out of range", func(c *Config) { c.Monitor.FailureRateWarning = 1.5 }, true},
		{"push enabled without endpoint", func(c *Config) { c.Channels.Push.Enabled = true }, true},
		{"email enabled without from", func(c *Config) {
			c.Channels.Email.Enabled = true
			c.Channels.Email.SMTPAddr = "smtp.local:25"
		}, true},
		{"valid thresholds", func(c *Config) {
			c.Monitor.DepthWarning = 100
			c.Monitor.DepthCritical = 500
			c.Monitor.FailureRateWarning = 0.1
			c.Monitor.FailureRateCritical = 0.25
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr && err == nil {
				t.Fatal("validate passed, want error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func TestRetryDelayListFallback(t *testing.T) {
	def := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	var q QueueConfig
	got := q.RetryDelayList(def)
	if len(got) != 3 || got[2] != 15*time.Second {
		t.Fatalf("fallback delays = %v", got)
	}
}

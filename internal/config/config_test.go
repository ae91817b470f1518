package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recapd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RECAPD_API_KEYS", "somekey")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, "127.0.0.1:8080")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Manager.MaxConcurrency != 2 {
		t.Errorf("MaxConcurrency = %d, want 2", cfg.Manager.MaxConcurrency)
	}
	if cfg.Manager.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Manager.MaxAttempts)
	}
	if cfg.Manager.AttemptTimeout.Duration != 10*time.Minute {
		t.Errorf("AttemptTimeout = %v, want 10m", cfg.Manager.AttemptTimeout)
	}
	if cfg.Store.Retention.Duration != 168*time.Hour {
		t.Errorf("Retention = %v, want 168h", cfg.Store.Retention)
	}
	if !cfg.Manager.DrainOnShutdown {
		t.Error("DrainOnShutdown = false, want true")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = ":9090"
api_keys = ["key1", "key2"]

[store]
driver = "redis"
redis_addr = "redis:6379"
redis_db = 2
retention = "24h"

[manager]
max_concurrency = 4
base_delay = "1s"
max_delay = "30s"
attempt_timeout = "90s"

[worker]
command = "/usr/local/bin/enrich"
args = ["--model", "small"]

[notify]
webhook_url = "https://example.com/hook"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if len(cfg.Server.APIKeys) != 2 || cfg.Server.APIKeys[1] != "key2" {
		t.Errorf("APIKeys = %v, want [key1 key2]", cfg.Server.APIKeys)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.RedisAddr != "redis:6379" || cfg.Store.RedisDB != 2 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.Retention.Duration != 24*time.Hour {
		t.Errorf("Retention = %v, want 24h", cfg.Store.Retention)
	}
	if cfg.Manager.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", cfg.Manager.MaxConcurrency)
	}
	if cfg.Manager.AttemptTimeout.Duration != 90*time.Second {
		t.Errorf("AttemptTimeout = %v, want 90s", cfg.Manager.AttemptTimeout)
	}
	if cfg.Manager.PollInterval.Duration != 5*time.Second {
		t.Errorf("PollInterval = %v, want default 5s", cfg.Manager.PollInterval)
	}
	if cfg.Worker.Command != "/usr/local/bin/enrich" || len(cfg.Worker.Args) != 2 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Notify.WebhookURL != "https://example.com/hook" {
		t.Errorf("WebhookURL = %q", cfg.Notify.WebhookURL)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
api_keys = ["filekey"]

[manager]
max_concurrency = 4
`)
	t.Setenv("RECAPD_API_KEYS", "envkey1, envkey2,")
	t.Setenv("RECAPD_MAX_CONCURRENCY", "8")
	t.Setenv("RECAPD_BASE_DELAY", "250ms")
	t.Setenv("RECAPD_DRAIN_ON_SHUTDOWN", "false")
	t.Setenv("RECAPD_WORKER_ARGS", "--fast --quiet")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.Server.APIKeys) != 2 || cfg.Server.APIKeys[0] != "envkey1" || cfg.Server.APIKeys[1] != "envkey2" {
		t.Errorf("APIKeys = %v, want [envkey1 envkey2]", cfg.Server.APIKeys)
	}
	if cfg.Manager.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", cfg.Manager.MaxConcurrency)
	}
	if cfg.Manager.BaseDelay.Duration != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 250ms", cfg.Manager.BaseDelay)
	}
	if cfg.Manager.DrainOnShutdown {
		t.Error("DrainOnShutdown = true, want false")
	}
	if strings.Join(cfg.Worker.Args, " ") != "--fast --quiet" {
		t.Errorf("Worker.Args = %v", cfg.Worker.Args)
	}
}

func TestLoad_MissingAPIKeys(t *testing.T) {
	t.Setenv("RECAPD_API_KEYS", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when no API keys are configured, got nil")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv("RECAPD_API_KEYS", "somekey")

	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoad_UnknownField(t *testing.T) {
	t.Setenv("RECAPD_API_KEYS", "somekey")
	path := writeConfig(t, "[manager]\nmax_workers = 3\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"RECAPD_MAX_CONCURRENCY", "abc"},
		{"RECAPD_REDIS_DB", "1.5"},
		{"RECAPD_ATTEMPT_TIMEOUT", "ten minutes"},
		{"RECAPD_DRAIN_ON_SHUTDOWN", "maybe"},
		{"RECAPD_RATE_LIMIT_RPS", "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("RECAPD_API_KEYS", "somekey")
			t.Setenv(tt.key, tt.value)

			_, err := Load("")
			if err == nil {
				t.Fatalf("expected error for %s=%q, got nil", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"zero concurrency", func(c *Config) { c.Manager.MaxConcurrency = 0 }},
		{"too many attempts", func(c *Config) { c.Manager.MaxAttempts = 11 }},
		{"max below base delay", func(c *Config) { c.Manager.MaxDelay = Duration{time.Millisecond} }},
		{"zero attempt timeout", func(c *Config) { c.Manager.AttemptTimeout = Duration{} }},
		{"negative retention", func(c *Config) { c.Store.Retention = Duration{-time.Hour} }},
		{"empty worker command", func(c *Config) { c.Worker.Command = "" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"negative rate limit", func(c *Config) { c.Server.RateLimitRPS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.APIKeys = []string{"k"}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	cfg := Default()
	cfg.Server.APIKeys = []string{"k"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config with a key: unexpected error: %v", err)
	}
}

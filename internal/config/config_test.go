package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
rate_limit:
  window: 30s
  max_requests: 10
quota:
  default_monthly_limit: 250
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.RateLimit.Window != 30*time.Second || cfg.RateLimit.MaxRequests != 10 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.Quota.DefaultMonthlyLimit != 250 {
		t.Errorf("default limit = %d, want 250", cfg.Quota.DefaultMonthlyLimit)
	}

	// Unset sections keep their defaults.
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("worker max attempts = %d, want default 3", cfg.Worker.MaxAttempts)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q, want default info", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: file-redis:6379
logging:
  level: debug
`)
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("ADMIN_API_KEY", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "env-redis:6379" {
		t.Errorf("redis addr = %q, env should win over file", cfg.Redis.Addr)
	}
	if cfg.Server.AdminAPIKey != "from-env" {
		t.Errorf("admin key = %q", cfg.Server.AdminAPIKey)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug from file", cfg.Logging.Level)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  max_requests: -1
`)
	if _, err := Load(path); err == nil {
		t.Error("negative max_requests should fail validation")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should error from Load")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.RateLimit.MaxRequests != 60 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
}

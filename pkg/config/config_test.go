package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

// TestLoadParsesHumanFriendlyValues verifies durations and sizes parse from
// their human forms.
func TestLoadParsesHumanFriendlyValues(t *testing.T) {
	p := writeConfig(t, `
server:
  address: 127.0.0.1
  port: 9090
storage:
  db_path: /tmp/loom-data
  cache_size: 64MB
retention:
  enabled: true
  cron: "0 3 * * *"
  period: 720h
  dry_run: true
stream:
  flush_interval: 100ms
security:
  api_keys:
    backend: [bk1, bk2]
    frontend: [fk1]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("Addr = %q", cfg.Addr())
	}
	if cfg.Storage.CacheSize.Int64() != 64*1000*1000 {
		t.Fatalf("cache size = %d", cfg.Storage.CacheSize.Int64())
	}
	if cfg.Retention.Period.Duration() != 720*time.Hour {
		t.Fatalf("period = %s", cfg.Retention.Period.Duration())
	}
	if !cfg.Retention.DryRun {
		t.Fatal("dry_run not parsed")
	}
	if cfg.Stream.FlushInterval.Duration() != 100*time.Millisecond {
		t.Fatalf("flush interval = %s", cfg.Stream.FlushInterval.Duration())
	}
	if len(cfg.Security.APIKeys.Backend) != 2 || len(cfg.Security.APIKeys.Frontend) != 1 {
		t.Fatalf("api keys = %+v", cfg.Security.APIKeys)
	}
}

// TestNumericDurationIsSeconds verifies plain numbers parse as seconds.
func TestNumericDurationIsSeconds(t *testing.T) {
	p := writeConfig(t, "retention:\n  period: 30\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Retention.Period.Duration() != 30*time.Second {
		t.Fatalf("period = %s, want 30s", cfg.Retention.Period.Duration())
	}
}

// TestDefaults verifies the zero config still yields a usable address.
func TestDefaults(t *testing.T) {
	var cfg Config
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("default addr = %q", cfg.Addr())
	}
}

// TestLoadEffectivePrecedence verifies flags > env > config file.
func TestLoadEffectivePrecedence(t *testing.T) {
	p := writeConfig(t, "server:\n  address: 10.0.0.1\n  port: 7000\nstorage:\n  db_path: /from/file\n")

	t.Setenv("LOOM_DB_PATH", "/from/env")
	eff := LoadEffective(p, "", "", map[string]bool{})
	if eff.DBPath != "/from/env" {
		t.Fatalf("env should beat file: %q", eff.DBPath)
	}
	if eff.Source != "env" {
		t.Fatalf("source = %q, want env", eff.Source)
	}

	eff = LoadEffective(p, ":9999", "/from/flag", map[string]bool{"addr": true, "db": true})
	if eff.Addr != ":9999" || eff.DBPath != "/from/flag" {
		t.Fatalf("flags should win: addr=%q db=%q", eff.Addr, eff.DBPath)
	}
	if eff.Source != "flags" {
		t.Fatalf("source = %q, want flags", eff.Source)
	}
}

// TestEnvOverrides verifies the remaining env knobs land in the config.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_ADDR", "1.2.3.4:8181")
	t.Setenv("LOOM_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOOM_RATE_RPS", "12.5")
	t.Setenv("LOOM_RATE_BURST", "30")
	t.Setenv("LOOM_API_BACKEND_KEYS", "k1,k2")
	t.Setenv("LOOM_API_ALLOW_UNAUTH", "true")

	var cfg Config
	if !LoadEnvOverrides(&cfg) {
		t.Fatal("env overrides not detected")
	}
	if cfg.Server.Address != "1.2.3.4" || cfg.Server.Port != 8181 {
		t.Fatalf("addr = %s:%d", cfg.Server.Address, cfg.Server.Port)
	}
	if len(cfg.Security.CORS.AllowedOrigins) != 2 {
		t.Fatalf("origins = %v", cfg.Security.CORS.AllowedOrigins)
	}
	if cfg.Security.RateLimit.RPS != 12.5 || cfg.Security.RateLimit.Burst != 30 {
		t.Fatalf("rate = %+v", cfg.Security.RateLimit)
	}
	if len(cfg.Security.APIKeys.Backend) != 2 || !cfg.Security.APIKeys.AllowUnauth {
		t.Fatalf("keys = %+v", cfg.Security.APIKeys)
	}
}

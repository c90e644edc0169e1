package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil || err.Error() != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MICHI_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 7420 {
		t.Fatalf("expected default port 7420, got %d", cfg.Port)
	}
	if cfg.Store != "sqlite" || cfg.SQLitePath != filepath.Join(home, "michi.db") {
		t.Fatalf("unexpected store defaults: %s %s", cfg.Store, cfg.SQLitePath)
	}
	if cfg.PIDFile != filepath.Join(home, "michi.pid") {
		t.Fatalf("unexpected pid file: %s", cfg.PIDFile)
	}
	if cfg.LeaseTTL != 5*time.Minute || cfg.LeaseMaxWaits != 30 || cfg.LeaseWaitDelay != time.Second {
		t.Fatalf("unexpected lease defaults: %s %d %s", cfg.LeaseTTL, cfg.LeaseMaxWaits, cfg.LeaseWaitDelay)
	}
	if cfg.RecoveryPolicy != "fail" {
		t.Fatalf("expected recovery policy fail, got %s", cfg.RecoveryPolicy)
	}
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("MICHI_PORT", "abc")
	t.Setenv("MICHI_LEASE_TTL", "forever")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail")
	}
	got := err.Error()
	for _, want := range []string{`MICHI_PORT="abc"`, `MICHI_LEASE_TTL="forever"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("error should mention %s, got: %s", want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("MICHI_HOME", t.TempDir())
	base, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres needs a url", func(c *Config) { c.Store = "postgres" }, "DATABASE_URL is required"},
		{"unknown store", func(c *Config) { c.Store = "mongo" }, `MICHI_STORE="mongo"`},
		{"redis needs a url", func(c *Config) { c.LeaseBackend = "redis" }, "REDIS_URL is required"},
		{"unknown recovery", func(c *Config) { c.RecoveryPolicy = "retry" }, `MICHI_RECOVERY="retry"`},
		{"port range", func(c *Config) { c.Port = 70000 }, "MICHI_PORT=70000"},
		{"lease ttl", func(c *Config) { c.LeaseTTL = 0 }, "MICHI_LEASE_TTL must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	c := Config{Port: 9000}
	if got := c.BaseURL(); got != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected base url %s", got)
	}
	t.Setenv("MICHI_URL", "http://daemon:7420/")
	if got := c.BaseURL(); got != "http://daemon:7420" {
		t.Fatalf("unexpected base url %s", got)
	}
}

// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxRequestBytes int64

	// Storage settings. Store is "sqlite" or "postgres".
	Store       string
	SQLitePath  string
	DatabaseURL string

	// Lease settings. LeaseBackend is "store" or "redis".
	LeaseBackend   string
	RedisURL       string
	LeaseTTL       time.Duration
	LeaseMaxWaits  int
	LeaseWaitDelay time.Duration
	SweepSchedule  string

	// Run settings.
	RecoveryPolicy string // "fail" or "resume"
	ArchiveURL     string // gocloud bucket URL; empty disables archiving.
	ArchivePrefix  string
	AgentsFile     string

	// API settings.
	APISecret      string // HS256 secret; empty disables auth.
	TokenTTL       time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	// Daemon settings.
	PIDFile string
	LogFile string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	home := defaultHome()

	cfg := Config{
		Store:          envStr("MICHI_STORE", "sqlite"),
		SQLitePath:     envStr("MICHI_SQLITE_PATH", filepath.Join(home, "michi.db")),
		DatabaseURL:    envStr("DATABASE_URL", ""),
		LeaseBackend:   envStr("MICHI_LEASE_BACKEND", "store"),
		RedisURL:       envStr("REDIS_URL", ""),
		SweepSchedule:  envStr("MICHI_SWEEP_SCHEDULE", "@every 1m"),
		RecoveryPolicy: envStr("MICHI_RECOVERY", "fail"),
		ArchiveURL:     envStr("MICHI_ARCHIVE_URL", ""),
		ArchivePrefix:  envStr("MICHI_ARCHIVE_PREFIX", "runs/"),
		AgentsFile:     envStr("MICHI_AGENTS_FILE", ""),
		APISecret:      envStr("MICHI_API_SECRET", ""),
		PIDFile:        envStr("MICHI_PID_FILE", filepath.Join(home, "michi.pid")),
		LogFile:        envStr("MICHI_LOG_FILE", filepath.Join(home, "michi.log")),
		OTELEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:    envStr("OTEL_SERVICE_NAME", "michi"),
		LogLevel:       envStr("MICHI_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("MICHI_PORT", 7420)
	collect(err)
	cfg.ReadTimeout, err = envDuration("MICHI_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("MICHI_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("MICHI_SHUTDOWN_TIMEOUT", 30*time.Second)
	collect(err)
	maxBytes, err := envInt("MICHI_MAX_REQUEST_BODY_BYTES", 1<<20)
	collect(err)
	cfg.MaxRequestBytes = int64(maxBytes)
	cfg.LeaseTTL, err = envDuration("MICHI_LEASE_TTL", 5*time.Minute)
	collect(err)
	cfg.LeaseMaxWaits, err = envInt("MICHI_LEASE_MAX_WAITS", 30)
	collect(err)
	cfg.LeaseWaitDelay, err = envDuration("MICHI_LEASE_WAIT_DELAY", time.Second)
	collect(err)
	cfg.TokenTTL, err = envDuration("MICHI_TOKEN_TTL", 24*time.Hour)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("MICHI_RATE_LIMIT_RPS", 0)
	collect(err)
	cfg.RateLimitBurst, err = envInt("MICHI_RATE_LIMIT_BURST", 20)
	collect(err)
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable together.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("MICHI_SQLITE_PATH is required for the sqlite store"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("MICHI_STORE=%q must be sqlite or postgres", c.Store))
	}
	switch c.LeaseBackend {
	case "store":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis lease backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("MICHI_LEASE_BACKEND=%q must be store or redis", c.LeaseBackend))
	}
	if c.RecoveryPolicy != "fail" && c.RecoveryPolicy != "resume" {
		errs = append(errs, fmt.Errorf("MICHI_RECOVERY=%q must be fail or resume", c.RecoveryPolicy))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("MICHI_PORT=%d is out of range", c.Port))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("MICHI_LEASE_TTL must be positive"))
	}
	if c.LeaseMaxWaits < 0 {
		errs = append(errs, errors.New("MICHI_LEASE_MAX_WAITS must not be negative"))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, errors.New("MICHI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("MICHI_RATE_LIMIT_RPS must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// BaseURL returns the local URL the CLI uses to reach the daemon.
func (c Config) BaseURL() string {
	if v := os.Getenv("MICHI_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

// defaultHome is the directory for the database, pid and log files.
func defaultHome() string {
	if v := os.Getenv("MICHI_HOME"); v != "" {
		return v
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".michi")
	}
	return ".michi"
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

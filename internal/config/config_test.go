package config

import (
	"testing"
	"time"
)

func TestReadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no config.toml in sight

	cfg, err := ReadConfig()
	if err != nil {
		t.Fatalf("ReadConfig() error: %v", err)
	}
	if cfg.HTTPPort != 8560 {
		t.Fatalf("unexpected HTTPPort: %d", cfg.HTTPPort)
	}
	if cfg.QueueBackend != "memory" {
		t.Fatalf("unexpected QueueBackend: %q", cfg.QueueBackend)
	}
	if cfg.Workers != 4 {
		t.Fatalf("unexpected Workers: %d", cfg.Workers)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("unexpected MaxAttempts: %d", cfg.MaxAttempts)
	}
	if cfg.RetryBaseDelay != 2*time.Second {
		t.Fatalf("unexpected RetryBaseDelay: %s", cfg.RetryBaseDelay)
	}
	if cfg.PagesBranch != "main" {
		t.Fatalf("unexpected PagesBranch: %q", cfg.PagesBranch)
	}
}

func TestReadConfigEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAKAPIX_HTTP_PORT", "9001")
	t.Setenv("MAKAPIX_QUEUE_BACKEND", "redis")
	t.Setenv("MAKAPIX_QUEUE_REDISADDR", "redis.internal:6379")

	cfg, err := ReadConfig()
	if err != nil {
		t.Fatalf("ReadConfig() error: %v", err)
	}
	if cfg.HTTPPort != 9001 {
		t.Fatalf("env override ignored, HTTPPort=%d", cfg.HTTPPort)
	}
	if cfg.QueueBackend != "redis" || cfg.RedisAddr != "redis.internal:6379" {
		t.Fatalf("unexpected queue config: %q %q", cfg.QueueBackend, cfg.RedisAddr)
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAKAPIX_DATABASE_DRIVER", "oracle")

	if _, err := ReadConfig(); err == nil {
		t.Fatalf("expected validation error for unsupported driver")
	}
}

func TestValidateRedisBackendRequiresAddr(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAKAPIX_QUEUE_BACKEND", "redis")
	t.Setenv("MAKAPIX_QUEUE_REDISADDR", "   ")

	if _, err := ReadConfig(); err == nil {
		t.Fatalf("expected validation error for empty redis addr")
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsNeedNoDatabase(t *testing.T) {
	t.Setenv("DB_HOST", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Postgres is opt-in; without DB_HOST the wiring falls back to
	// the in-memory store instead of failing startup.
	if cfg.DBHost != "" {
		t.Errorf("DBHost default = %q, want empty", cfg.DBHost)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port default = %d, want 8080", cfg.Port)
	}
	if cfg.QueueMaxSize != 10000 {
		t.Errorf("QueueMaxSize default = %d, want 10000", cfg.QueueMaxSize)
	}
	if cfg.BreakerResetTimeout != 30*time.Second {
		t.Errorf("BreakerResetTimeout default = %v, want 30s", cfg.BreakerResetTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("QUEUE_MAX_SIZE", "500")
	t.Setenv("BREAKER_RESET_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DBHost != "db.internal" {
		t.Errorf("DBHost = %q, want db.internal", cfg.DBHost)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.QueueMaxSize != 500 {
		t.Errorf("QueueMaxSize = %d, want 500", cfg.QueueMaxSize)
	}
	if cfg.BreakerResetTimeout != 5*time.Second {
		t.Errorf("BreakerResetTimeout = %v, want 5s", cfg.BreakerResetTimeout)
	}
}

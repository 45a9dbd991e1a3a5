package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Port != "8090" {
		t.Errorf("port = %s, want 8090", cfg.Port)
	}
	if cfg.TickPeriod != 5*time.Second {
		t.Errorf("tick period = %v, want 5s", cfg.TickPeriod)
	}
	if cfg.CriticalClusterThreshold != 2 {
		t.Errorf("cluster threshold = %d, want 2", cfg.CriticalClusterThreshold)
	}
	if !cfg.CountDerivedCritical {
		t.Error("derived criticals counted by default")
	}
	if cfg.EndOnDisconnect {
		t.Error("sessions must survive disconnects by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("AGGREGATOR_TICK_PERIOD", "2s")
	t.Setenv("CRITICAL_CLUSTER_THRESHOLD", "3")
	t.Setenv("RATE_LIMIT_MAX_EVENTS", "60")
	t.Setenv("END_SESSION_ON_DISCONNECT", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.TickPeriod != 2*time.Second {
		t.Errorf("tick period = %v, want 2s", cfg.TickPeriod)
	}
	if cfg.CriticalClusterThreshold != 3 {
		t.Errorf("cluster threshold = %d, want 3", cfg.CriticalClusterThreshold)
	}
	if cfg.RateLimitMaxEvents != 60 {
		t.Errorf("rate limit = %d, want 60", cfg.RateLimitMaxEvents)
	}
	if !cfg.EndOnDisconnect {
		t.Error("override not applied")
	}
}

func TestLoadRequiresKeyMaterial(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_PUBLIC_KEY_PEM", "")
	if _, err := Load(); err == nil {
		t.Fatal("missing JWT material must fail loading")
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CRITICAL_CLUSTER_THRESHOLD", "0")
	if _, err := Load(); err == nil {
		t.Fatal("zero cluster threshold must fail validation")
	}
}

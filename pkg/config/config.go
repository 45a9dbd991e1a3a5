package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all tunable policy values for the monitoring service.
// Every value can be overridden through the environment; defaults match
// a single-instance deployment.
type Config struct {
	// Server
	Port        string
	MetricsPort string

	// Redis (rate limiting, session mirror, cross-instance broadcast)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Credential gate
	JWTSecret       string
	JWTPublicKeyPEM string
	JWTIssuer       string

	// Per-identity event rate limiting
	RateLimitMaxEvents int
	RateLimitWindow    time.Duration

	// Session registry
	InactivityThreshold time.Duration
	SweepInterval       time.Duration
	MaxActiveSessions   int
	EndOnDisconnect     bool

	// Batch risk aggregation
	TickPeriod               time.Duration
	CriticalClusterThreshold int
	CountDerivedCritical     bool

	// Interventions
	ScreenshotTimeout time.Duration

	// Dashboard push
	MinDashboardInterval     time.Duration
	DefaultDashboardInterval time.Duration

	// Downstream store
	StoreBaseURL string
	StoreTimeout time.Duration
}

// Load reads configuration from the environment, honoring a local .env
// file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8090"),
		MetricsPort: getEnv("METRICS_PORT", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTPublicKeyPEM: getEnv("JWT_PUBLIC_KEY_PEM", ""),
		JWTIssuer:       getEnv("JWT_ISSUER", "examsentry"),

		RateLimitMaxEvents: getEnvInt("RATE_LIMIT_MAX_EVENTS", 120),
		RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		InactivityThreshold: getEnvDuration("SESSION_INACTIVITY_THRESHOLD", 15*time.Minute),
		SweepInterval:       getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		MaxActiveSessions:   getEnvInt("MAX_ACTIVE_SESSIONS", 1000),
		EndOnDisconnect:     getEnvBool("END_SESSION_ON_DISCONNECT", false),

		TickPeriod:               getEnvDuration("AGGREGATOR_TICK_PERIOD", 5*time.Second),
		CriticalClusterThreshold: getEnvInt("CRITICAL_CLUSTER_THRESHOLD", 2),
		CountDerivedCritical:     getEnvBool("COUNT_DERIVED_CRITICAL", true),

		ScreenshotTimeout: getEnvDuration("SCREENSHOT_TIMEOUT", 30*time.Second),

		MinDashboardInterval:     getEnvDuration("MIN_DASHBOARD_INTERVAL", time.Second),
		DefaultDashboardInterval: getEnvDuration("DEFAULT_DASHBOARD_INTERVAL", 5*time.Second),

		StoreBaseURL: getEnv("STORE_BASE_URL", "http://localhost:8001"),
		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 5*time.Second),
	}

	if cfg.JWTSecret == "" && cfg.JWTPublicKeyPEM == "" {
		return nil, fmt.Errorf("config: one of JWT_SECRET or JWT_PUBLIC_KEY_PEM must be set")
	}
	if cfg.CriticalClusterThreshold < 1 {
		return nil, fmt.Errorf("config: CRITICAL_CLUSTER_THRESHOLD must be >= 1, got %d", cfg.CriticalClusterThreshold)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Package config provides centralized configuration loaded from environment
// variables. Shared by both cmd/api and cmd/dispatchctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Table names: single source of truth, matches migrations
// --------------------------------------------------------------------------

const (
	RequestsTable      = "emergency_requests"
	CandidatesView     = "dispatch_candidates"
	AlertsTable        = "notifications"
	RegistrationsTable = "device_registrations"
	MessagingTable     = "messaging_config"
)

// --------------------------------------------------------------------------
// Config struct, populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration
	RunMigrations  bool

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production

	// Logging
	LogLevel  string
	LogFormat string

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Auth
	AuthJWTSecret string

	// Push delivery
	FCMEndpoint          string
	PushHTTPTimeout      time.Duration
	PushSendConcurrency  int
	RecipientConcurrency int
	DeepLinkBase         string

	// Maintenance
	CleanupInterval           time.Duration
	RegistrationRetentionDays int
	RenotifyListenerEnabled   bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	dbURL := envOr("DATABASE_URL", envOr("SUPABASE_DB_URL", ""))
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or SUPABASE_DB_URL must be set")
	}

	cfg := &Config{
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,
		RunMigrations:  envBool("RUN_MIGRATIONS", false),

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "text"),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		AuthJWTSecret: envOr("AUTH_JWT_SECRET", ""),

		FCMEndpoint:          envOr("FCM_ENDPOINT", "https://fcm.googleapis.com"),
		PushHTTPTimeout:      envDuration("PUSH_HTTP_TIMEOUT", 10*time.Second),
		PushSendConcurrency:  envInt("PUSH_SEND_CONCURRENCY", 8),
		RecipientConcurrency: envInt("DISPATCH_RECIPIENT_CONCURRENCY", 16),
		DeepLinkBase:         envOr("DISPATCH_DEEP_LINK_BASE", "/dashboard/emergency"),

		CleanupInterval:           envDuration("MAINTENANCE_CLEANUP_INTERVAL", 6*time.Hour),
		RegistrationRetentionDays: envInt("REGISTRATION_RETENTION_DAYS", 90),
		RenotifyListenerEnabled:   envBool("RENOTIFY_LISTENER_ENABLED", true),
	}

	if cfg.IsProduction() && cfg.AuthJWTSecret == "" {
		return nil, fmt.Errorf("AUTH_JWT_SECRET must be set in production")
	}
	return cfg, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("15s", "2h").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}

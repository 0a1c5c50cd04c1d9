// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/tallyhq/tally/internal/analytics"
	"github.com/tallyhq/tally/internal/auth"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Track queues.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Storage
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MongoURL      string `env:"MONGO_URL"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"tally"`

	// Cache (Redis), optional
	RedisURL string `env:"REDIS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Site served behind the tracking middleware. Empty serves a placeholder.
	SiteDir      string `env:"SITE_DIR"`
	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"false"`

	// Tracking
	TrackTimeout time.Duration `env:"TRACK_TIMEOUT" envDefault:"500ms"`
	// TrackQueue picks where prepared visits are recorded: "memory" runs
	// them on in-process goroutines, "redis" publishes them to a stream
	// consumed by the visit worker.
	TrackQueue           string        `env:"TRACK_QUEUE" envDefault:"memory"`
	TrackExcludePrefixes []string      `env:"TRACK_EXCLUDE_PREFIXES" envSeparator:","`
	TrackErrorLogRPS     float64       `env:"TRACK_ERROR_LOG_RPS" envDefault:"1"`
	DedupWindow          time.Duration `env:"DEDUP_WINDOW" envDefault:"30m"`

	// Active visitors
	ActiveWindow        time.Duration `env:"ACTIVE_WINDOW" envDefault:"30m"`
	ActiveSweepInterval time.Duration `env:"ACTIVE_SWEEP_INTERVAL" envDefault:"1m"`
	ActivePushInterval  time.Duration `env:"ACTIVE_PUSH_INTERVAL" envDefault:"5s"`

	// Geo lookup
	GeoProvider      string        `env:"GEO_PROVIDER" envDefault:"none"`
	GeoIPDBPath      string        `env:"GEOIP_DB_PATH"`
	GeoHTTPURL       string        `env:"GEO_HTTP_URL"`
	GeoLookupTimeout time.Duration `env:"GEO_LOOKUP_TIMEOUT" envDefault:"50ms"`
	GeoCacheTTL      time.Duration `env:"GEO_CACHE_TTL" envDefault:"24h"`

	// Admin API key (argon2id PHC hash). Empty disables /api/admin.
	AdminKeyHash string `env:"ADMIN_KEY_HASH"`

	// CORS configuration for the public live endpoints
	// Comma-separated list of allowed origins (e.g., "https://example.com,*.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Proxies whose forwarding headers (CF-Connecting-IP, X-Forwarded-For,
	// X-Real-IP, CF-IPCountry) are believed. CIDRs or addresses,
	// comma-separated. Empty trusts none.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// Rate limiting of public endpoints, per client IP
	PublicRPS   float64 `env:"PUBLIC_RPS" envDefault:"10"`
	PublicBurst int     `env:"PUBLIC_BURST" envDefault:"20"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// Validate checks cross-field requirements that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMongo:
		if c.MongoURL == "" {
			errs = append(errs, errors.New("MONGO_URL is required for the mongo driver"))
		}
		if c.MongoDatabase == "" {
			errs = append(errs, errors.New("MONGO_DATABASE must not be empty"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of postgres, mongo, memory", c.StoreDriver))
	}

	switch c.GeoProvider {
	case "none", "":
	case "mmdb":
		if c.GeoIPDBPath == "" {
			errs = append(errs, errors.New("GEOIP_DB_PATH is required for the mmdb geo provider"))
		}
	case "http":
		if c.GeoHTTPURL == "" {
			errs = append(errs, errors.New("GEO_HTTP_URL is required for the http geo provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("GEO_PROVIDER %q is not one of none, mmdb, http", c.GeoProvider))
	}

	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not one of json, text, pretty", c.LogFormat))
	}

	if c.DedupWindow <= 0 {
		errs = append(errs, errors.New("DEDUP_WINDOW must be positive"))
	}
	if c.ActiveWindow <= 0 {
		errs = append(errs, errors.New("ACTIVE_WINDOW must be positive"))
	}
	if c.ActiveSweepInterval <= 0 {
		errs = append(errs, errors.New("ACTIVE_SWEEP_INTERVAL must be positive"))
	}
	if c.TrackTimeout <= 0 {
		errs = append(errs, errors.New("TRACK_TIMEOUT must be positive"))
	}
	switch c.TrackQueue {
	case QueueMemory, "":
	case QueueRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis track queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("TRACK_QUEUE %q is not one of memory, redis", c.TrackQueue))
	}
	if _, err := analytics.ParseTrustedProxies(c.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
	}
	if c.PublicRPS <= 0 || c.PublicBurst <= 0 {
		errs = append(errs, errors.New("PUBLIC_RPS and PUBLIC_BURST must be positive"))
	}

	if c.AdminKeyHash != "" {
		if err := auth.ParseHash(c.AdminKeyHash); err != nil {
			errs = append(errs, fmt.Errorf("ADMIN_KEY_HASH: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Load parses environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

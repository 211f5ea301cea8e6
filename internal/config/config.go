package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the resource store.
// Environment variables are parsed with the FHIRSTORE_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// Backend selection: sqlite | postgres
	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:""`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Tenant whose collections this process serves
	Tenant string `envconfig:"TENANT" default:"default"`

	// Search parameter and join declarations (YAML)
	SearchConfigPath string `envconfig:"SEARCH_CONFIG" default:""`

	// Paging tokens
	CursorSecret    string        `envconfig:"CURSOR_SECRET" default:""`
	CursorMaxLength int           `envconfig:"CURSOR_MAX_LENGTH" default:"2048"`
	CursorTTL       time.Duration `envconfig:"CURSOR_TTL" default:"24h"`

	// Search
	DefaultPageSize int           `envconfig:"DEFAULT_PAGE_SIZE" default:"50"`
	CountTimeout    time.Duration `envconfig:"COUNT_TIMEOUT" default:"2s"`

	// Retention
	RetentionMaxRatio float64       `envconfig:"RETENTION_MAX_RATIO" default:"0.15"`
	RetentionEnabled  bool          `envconfig:"RETENTION_ENABLED" default:"false"`
	RetentionWindow   time.Duration `envconfig:"RETENTION_WINDOW" default:"720h"`

	// Join index refresh
	IndexRefreshPageSize int     `envconfig:"INDEX_REFRESH_PAGE_SIZE" default:"200"`
	IndexRefreshRate     float64 `envconfig:"INDEX_REFRESH_PAGES_PER_SECOND" default:"0"`

	// Maintenance worker cadence
	MaintenanceInterval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"1h"`

	// HTTP admin surface
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Health
	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"30"`
	HealthProbeTimeoutSeconds int `envconfig:"HEALTH_PROBE_TIMEOUT_SECONDS" default:"2"`
}

// ResolveDefaults validates DBDriver and fills values derived from other settings.
func (c *Config) ResolveDefaults() error {
	switch c.DBDriver {
	case "", "auto":
		c.DBDriver = "sqlite"
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}

	if c.DBDriver == "sqlite" && c.SQLitePath == "" {
		c.SQLitePath = "data/fhirstore.db"
	}
	if c.DBDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("FHIRSTORE_POSTGRES_DSN is required when DB_DRIVER=postgres")
	}
	if c.Tenant == "" {
		c.Tenant = "default"
	}
	if c.CursorMaxLength <= 0 {
		return fmt.Errorf("CURSOR_MAX_LENGTH must be positive, got %d", c.CursorMaxLength)
	}
	if c.RetentionMaxRatio <= 0 || c.RetentionMaxRatio > 1 {
		return fmt.Errorf("RETENTION_MAX_RATIO must be in (0,1], got %v", c.RetentionMaxRatio)
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 50
	}
	if c.IndexRefreshPageSize <= 0 {
		c.IndexRefreshPageSize = 200
	}
	return nil
}

// New creates a new Config by parsing environment variables
// Example: FHIRSTORE_DB_DRIVER, FHIRSTORE_HTTP_PORT
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("FHIRSTORE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Str("tenant", cfg.Tenant).
		Str("search_config", cfg.SearchConfigPath).
		Bool("cursor_secret_present", cfg.CursorSecret != "").
		Int("cursor_max_length", cfg.CursorMaxLength).
		Dur("cursor_ttl", cfg.CursorTTL).
		Dur("count_timeout", cfg.CountTimeout).
		Float64("retention_max_ratio", cfg.RetentionMaxRatio).
		Bool("postgres_dsn_present", cfg.PostgresDSN != "").
		Int("port", cfg.HTTPPort).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	cfg := &Config{
		Environment:               EnvTesting,
		LogLevel:                  "debug",
		DBDriver:                  "sqlite",
		Tenant:                    "test",
		CursorSecret:              "test-secret",
		CursorMaxLength:           2048,
		CursorTTL:                 time.Hour,
		DefaultPageSize:           50,
		CountTimeout:              2 * time.Second,
		RetentionMaxRatio:         0.15,
		RetentionWindow:           720 * time.Hour,
		IndexRefreshPageSize:      200,
		MaintenanceInterval:       time.Minute,
		HTTPPort:                  8080,
		HealthIntervalSeconds:     30,
		HealthProbeTimeoutSeconds: 2,
	}
	return cfg
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

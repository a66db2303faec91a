package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	StoreBackend   string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MCPPolicyFile  string        `mapstructure:"MCP_POLICY_FILE"`
	SeedDemoData   bool          `mapstructure:"SEED_DEMO_DATA"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`

	WebhookURLs       []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents     []string `mapstructure:"WEBHOOK_EVENTS"`
	WebhookMaxRetries int      `mapstructure:"WEBHOOK_MAX_RETRIES"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"MIGRATIONS_DIR", "DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BODY_LIMIT", "REQUEST_TIMEOUT", "MCP_POLICY_FILE", "SEED_DEMO_DATA", "METRICS_ENABLED",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS", "WEBHOOK_MAX_RETRIES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "data/callmanager.db")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SEED_DEMO_DATA", false)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("WEBHOOK_EVENTS", "*")
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.WebhookURLs = splitList(strings.Join(cfg.WebhookURLs, ","))
	cfg.WebhookEvents = splitList(strings.Join(cfg.WebhookEvents, ","))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if cfg.IsDev() && cfg.ResolvedAuthMode() == AuthModeDevelopment {
		log.Println("WARNING: development auth is active; unauthenticated requests run as admin.")
		log.Println("WARNING: set ENV=production and AUTH_SIGNING_KEY before exposing this server.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND is %q", BackendSQLite)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q, or %q, got %q",
			BackendMemory, BackendPostgres, BackendSQLite, c.StoreBackend)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed in production", AuthModeDevelopment)
		}
	case AuthModeJWT:
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is %q (current ENV=%q)", AuthModeJWT, c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must not be negative")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_SECRET is required for webhooks in production")
	}
	return nil
}

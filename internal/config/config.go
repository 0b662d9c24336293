package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string        `mapstructure:"PORT"`
	Env           string        `mapstructure:"ENV"`
	AuthMode      string        `mapstructure:"AUTH_MODE"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	DBAcquireWait time.Duration `mapstructure:"DB_ACQUIRE_TIMEOUT"`
	MigrationsDir string        `mapstructure:"MIGRATIONS_DIR"`
	AutoMigrate   bool          `mapstructure:"AUTO_MIGRATE"`
	JWTSecret     string        `mapstructure:"JWT_SECRET"`
	CORSOrigins   []string      `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	SweepInterval             time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	PendingTTL                time.Duration `mapstructure:"PENDING_BOOKING_TTL"`
	DeferSlotlessConfirmation bool          `mapstructure:"BOOKING_DEFER_SLOTLESS_CONFIRMATION"`

	RedisURL       string        `mapstructure:"REDIS_URL"`
	DoctorCacheTTL time.Duration `mapstructure:"DOCTOR_CACHE_TTL"`
	AMQPURL        string        `mapstructure:"AMQP_URL"`
	AMQPExchange   string        `mapstructure:"AMQP_EXCHANGE"`
	OTLPEndpoint   string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	WebhookURLs    []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret  string        `mapstructure:"WEBHOOK_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_ACQUIRE_TIMEOUT", "MIGRATIONS_DIR", "AUTO_MIGRATE", "JWT_SECRET", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"EXPIRY_SWEEP_INTERVAL", "PENDING_BOOKING_TTL", "BOOKING_DEFER_SLOTLESS_CONFIRMATION",
	"REDIS_URL", "DOCTOR_CACHE_TTL", "AMQP_URL", "AMQP_EXCHANGE", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"WEBHOOK_URLS", "WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_ACQUIRE_TIMEOUT", "5s")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "60s")
	v.SetDefault("PENDING_BOOKING_TTL", "120s")
	v.SetDefault("BOOKING_DEFER_SLOTLESS_CONFIRMATION", false)
	v.SetDefault("DOCTOR_CACHE_TTL", "5m")
	v.SetDefault("AMQP_EXCHANGE", "medify.bookings")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	// AUTO_MIGRATE follows ENV unless set explicitly.
	if !v.IsSet("AUTO_MIGRATE") {
		v.Set("AUTO_MIGRATE", v.GetString("ENV") == "development")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: admin routes accept unauthenticated requests (AUTH_MODE=development).")
		log.Println("WARNING: set ENV=production and JWT_SECRET before exposing this server.")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
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

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development maps to "development" (admin
// routes open) and every other environment to "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// devSigningKey signs admin tokens when ENV=development and JWT_SECRET is unset.
const devSigningKey = "medify-dev-signing-key"

// SigningKey returns the HMAC key for admin tokens.
func (c *Config) SigningKey() []byte {
	if c.JWTSecret == "" && c.IsDev() {
		return []byte(devSigningKey)
	}
	return []byte(c.JWTSecret)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "development" && c.IsProduction() {
		return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
	}
	if mode == "jwt" && len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters when AUTH_MODE is \"jwt\"")
	}

	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}
	if c.DBAcquireWait <= 0 {
		return fmt.Errorf("DB_ACQUIRE_TIMEOUT must be positive")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("PENDING_BOOKING_TTL must be positive")
	}
	if len(c.WebhookURLs) > 0 && c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set in production")
	}

	return nil
}

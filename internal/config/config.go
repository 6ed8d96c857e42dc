// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DriverPostgres selects the pgx stdlib driver.
	DriverPostgres = "pgx"
	// DriverSQLite selects the pure-Go modernc SQLite driver.
	DriverSQLite = "sqlite"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health server (e.g. :8081). Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseDriver is "pgx" (Postgres) or "sqlite".
	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	// DatabaseURL is the DSN for DatabaseDriver.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// JWTIssuer is the iss claim written to and required on every token.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim written to and required on every token.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessPrivateKey is the PEM-encoded access signing key (RSA or ECDSA) or a path to it.
	JWTAccessPrivateKey string `mapstructure:"JWT_ACCESS_PRIVATE_KEY"`
	// JWTAccessPublicKey optionally pins the public half of the access key; must match the private key.
	JWTAccessPublicKey string `mapstructure:"JWT_ACCESS_PUBLIC_KEY"`
	// JWTAccessKeyID is the kid header for access tokens.
	JWTAccessKeyID string `mapstructure:"JWT_ACCESS_KEY_ID"`
	// JWTAccessPreviousPublicKeys lists retired access keys still accepted, as comma-separated
	// kid=PEM-or-path entries.
	JWTAccessPreviousPublicKeys string `mapstructure:"JWT_ACCESS_PREVIOUS_PUBLIC_KEYS"`
	// JWTRefreshPrivateKey is the PEM-encoded refresh signing key; must differ from the access key.
	JWTRefreshPrivateKey string `mapstructure:"JWT_REFRESH_PRIVATE_KEY"`
	// JWTRefreshPublicKey optionally pins the public half of the refresh key.
	JWTRefreshPublicKey string `mapstructure:"JWT_REFRESH_PUBLIC_KEY"`
	// JWTRefreshKeyID is the kid header for refresh tokens.
	JWTRefreshKeyID string `mapstructure:"JWT_REFRESH_KEY_ID"`
	// JWTRefreshPreviousPublicKeys lists retired refresh keys still accepted.
	JWTRefreshPreviousPublicKeys string `mapstructure:"JWT_REFRESH_PREVIOUS_PUBLIC_KEYS"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// PolicyFile is an optional path to a Rego module replacing the default session policy.
	PolicyFile string `mapstructure:"POLICY_FILE"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// OTelEndpoint is the OTLP gRPC collector address. Empty installs no-op providers.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure disables TLS to the collector.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// OTelServiceName is the service.name resource attribute.
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	// Every key needs a default so Unmarshal picks up env-only values.
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":8081")
	v.SetDefault("DATABASE_DRIVER", DriverPostgres)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_ISSUER", "tracklist-auth")
	v.SetDefault("JWT_AUDIENCE", "tracklist-api")
	v.SetDefault("JWT_ACCESS_PRIVATE_KEY", "")
	v.SetDefault("JWT_ACCESS_PUBLIC_KEY", "")
	v.SetDefault("JWT_ACCESS_KEY_ID", "access-1")
	v.SetDefault("JWT_ACCESS_PREVIOUS_PUBLIC_KEYS", "")
	v.SetDefault("JWT_REFRESH_PRIVATE_KEY", "")
	v.SetDefault("JWT_REFRESH_PUBLIC_KEY", "")
	v.SetDefault("JWT_REFRESH_KEY_ID", "refresh-1")
	v.SetDefault("JWT_REFRESH_PREVIOUS_PUBLIC_KEYS", "")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_SERVICE_NAME", "tracklist-auth")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, errors.New("config: DATABASE_DRIVER must be pgx or sqlite")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.JWTAccessKeyID == cfg.JWTRefreshKeyID {
		return nil, errors.New("config: JWT_ACCESS_KEY_ID and JWT_REFRESH_KEY_ID must differ")
	}

	if cfg.Env == "production" {
		if cfg.JWTAccessPrivateKey == "" || cfg.JWTRefreshPrivateKey == "" {
			return nil, errors.New("config: JWT_ACCESS_PRIVATE_KEY and JWT_REFRESH_PRIVATE_KEY must be set when APP_ENV=production")
		}
		if cfg.JWTAccessPrivateKey == cfg.JWTRefreshPrivateKey {
			return nil, errors.New("config: access and refresh tokens must use different signing keys")
		}
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTRefreshTTL)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}

// SlogLevel maps LogLevel to a slog.Level; unknown values are info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

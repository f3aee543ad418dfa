// Package config defines the global configuration structure for the expensio
// billing service. Configuration is loaded once at process initialization and
// is immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast). In particular, the service refuses to
// start without the webhook signing secret: accepting unauthenticated billing
// events is never an acceptable degraded mode.
package config

import (
	"time"

	"expensio/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the billing service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"expensio-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Replay   ReplayConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider integration settings.
type BillingConfig struct {
	// WebhookSecret is the shared secret used to authenticate inbound
	// webhook payloads. Startup fails if it is absent.
	WebhookSecret SecretString `envconfig:"BILLING_WEBHOOK_SECRET" validate:"required"`

	// FreePlanID is the plan organizations are rewound to when their
	// subscription is deleted at the provider.
	FreePlanID string `envconfig:"BILLING_FREE_PLAN_ID" default:"plan_free" validate:"required"`
}

// ReplayConfig selects and tunes the replay-guard backing store.
type ReplayConfig struct {
	// Backend is "memory" for single-instance deployments or "redis" when
	// multiple instances must share replay state.
	Backend string `envconfig:"REPLAY_BACKEND" default:"memory" validate:"oneof=memory redis"`

	// RedisURL is required when Backend is "redis".
	RedisURL SecretString `envconfig:"REPLAY_REDIS_URL" validate:"required_if=Backend redis"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Port string `envconfig:"METRICS_PORT" default:"9090"`
}

// Package config defines the global configuration for the polarsync service.
// Configuration is loaded once at process initialization and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating
// code from configuration.
//
// Values are resolved from the OS environment, with a .env file as a
// development-time fallback. Any missing required value or invalid format
// causes startup to fail immediately (fail fast); the per-request
// MissingConfig checks in the handlers are defense-in-depth only.
package config

import (
	"time"

	"polarsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for sensitive configuration values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	// System metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"polarsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain configurations
	Server   ServerConfig
	Database DatabaseConfig
	Polar    PolarConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	// Public site URL for checkout success/return redirects (no trailing slash).
	SiteURL string `envconfig:"SITE_URL" default:"http://localhost:3000" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// PolarConfig holds the Polar billing integration credentials and keys.
type PolarConfig struct {
	// WebhookSecret verifies inbound webhook deliveries. Either a raw
	// shared secret or a "whsec_"-prefixed base64 token.
	WebhookSecret SecretString `envconfig:"POLAR_WEBHOOK_SECRET" validate:"required"`

	// AccessToken authenticates outbound Polar API calls (checkout, portal).
	AccessToken SecretString `envconfig:"POLAR_ACCESS_TOKEN" validate:"required"`

	// APIBaseURL overrides the Polar API endpoint; used for sandbox and tests.
	APIBaseURL string `envconfig:"POLAR_API_BASE_URL" default:"https://api.polar.sh" validate:"required,url"`

	// Product id mapping per billing interval.
	ProductIDMonthly string `envconfig:"POLAR_PRODUCT_ID_MONTHLY"`
	ProductIDAnnual  string `envconfig:"POLAR_PRODUCT_ID_ANNUAL"`

	// MaxTimestampAge is the replay-window tolerance for signed webhook
	// timestamps. Signatures older (or newer) than this are rejected.
	MaxTimestampAge time.Duration `envconfig:"POLAR_WEBHOOK_MAX_AGE" default:"300s"`
}

// ProductID returns the configured Polar product id for the given interval.
// Returns the empty string when the mapping is not configured; callers are
// expected to surface this as a MissingConfig error.
func (c PolarConfig) ProductID(interval types.Interval) string {
	if interval == types.IntervalAnnual {
		return c.ProductIDAnnual
	}
	return c.ProductIDMonthly
}

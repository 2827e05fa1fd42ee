// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid
// debugging. It wraps a stage label and an underlying error.
type ConfigError struct {
	Stage   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the polarsync configuration.
// A missing .env file is not an error; godotenv does not override values
// already present in the environment.
func LoadConfig() (*Config, error) {
	// Enforce UTC to prevent timestamp drift between the replay-window
	// check and ledger timestamps.
	time.Local = time.UTC

	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Stage:   "envconfig",
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate runs struct-tag validation over the populated Config.
func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return &ConfigError{
				Stage:   "validate",
				Message: fmt.Sprintf("invalid configuration field %s (rule %q)", first.Namespace(), first.Tag()),
				Err:     err,
			}
		}
		return &ConfigError{
			Stage:   "validate",
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	return nil
}

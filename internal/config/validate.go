package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "AUTH_JWT_SECRET must be at least 32 characters")
	}

	if c.GenAI.APIKey == "" {
		errs = append(errs, "GENAI_API_KEY is required")
	}
	if c.GenAI.Model == "" {
		errs = append(errs, "GENAI_MODEL is required")
	}
	if c.GenAI.PremiumModel == "" {
		errs = append(errs, "GENAI_PREMIUM_MODEL is required")
	}

	switch c.Store.Driver {
	case DriverFile:
		if c.Store.Path == "" {
			errs = append(errs, "STORE_PATH is required with the file driver")
		}
	case DriverPostgres:
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required with the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER must be %q or %q, got %q", DriverFile, DriverPostgres, c.Store.Driver))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	if c.RateLimit.Enabled && !c.Redis.Enabled {
		errs = append(errs, "RATELIMIT_ENABLED requires REDIS_ENABLED")
	}
	if c.Quota.BurstPerMinute < 0 {
		errs = append(errs, fmt.Sprintf("QUOTA_BURST_PER_MINUTE must not be negative, got %d", c.Quota.BurstPerMinute))
	}

	// Burst limiting silently turns off without Redis: warn only.
	if !c.Redis.Enabled && c.Quota.BurstPerMinute > 0 {
		slog.Warn("REDIS_ENABLED is false, per-minute burst limiting is disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

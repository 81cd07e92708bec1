package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secrets
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		errs = append(errs, "JWT_REFRESH_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret != "" && c.JWT.RefreshSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, "JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	// Admin credentials: bcrypt hashes start with $2a$, $2b$ or $2y$
	if c.Admin.PasswordHash == "" {
		errs = append(errs, "ADMIN_PASSWORD_HASH is required")
	} else if !strings.HasPrefix(c.Admin.PasswordHash, "$2") {
		errs = append(errs, "ADMIN_PASSWORD_HASH must be a bcrypt hash")
	}

	if c.Gemini.APIKey == "" {
		errs = append(errs, "GEMINI_API_KEY is required")
	}
	if c.Gemini.Timeout <= 0 {
		errs = append(errs, "GEMINI_TIMEOUT must be positive")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}
	if c.GRPC.Port < 1 || c.GRPC.Port > 65535 {
		errs = append(errs, fmt.Sprintf("GRPC_PORT must be 1–65535, got %d", c.GRPC.Port))
	}

	// Admission pipeline
	switch c.Admission.RateLimiter {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Sprintf("ADMISSION_RATE_LIMITER must be redis or memory, got %q", c.Admission.RateLimiter))
	}
	if c.Admission.TokensPerImage < 1 {
		errs = append(errs, "ADMISSION_TOKENS_PER_IMAGE must be at least 1")
	}
	if c.Admission.LedgerTokens < 0 {
		errs = append(errs, "ADMISSION_LEDGER_TOKENS must not be negative")
	}
	if c.Admission.MaxImageBytes < 1 {
		errs = append(errs, "ADMISSION_MAX_IMAGE_BYTES must be positive")
	}
	if _, err := time.LoadLocation(c.Admission.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("ADMISSION_TIMEZONE %q is not a known time zone", c.Admission.Timezone))
	}

	// gRPC API key: warn only
	if c.GRPC.APIKey == "" {
		slog.Warn("GRPC_API_KEY is empty, gRPC health server has no authentication")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

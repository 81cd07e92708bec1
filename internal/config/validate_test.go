package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3000},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "dripcheck",
			Password: "secret", Name: "dripcheck", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		JWT: JWTConfig{
			AccessSecret:  "access-secret-that-is-at-least-32-chars!",
			RefreshSecret: "refresh-secret-that-is-at-least-32-chr!",
			AccessExpiry:  15 * time.Minute,
			RefreshExpiry: 168 * time.Hour,
		},
		Admin:  AdminConfig{Username: "admin", PasswordHash: "$2a$12$abcdefghijklmnopqrstuu7cL0n1Jx6u3dbfFzTtVQ0Y2Wm1dY3G."},
		Gemini: GeminiConfig{APIKey: "gemini-key", Model: "gemini-2.5-flash-image-preview", Timeout: time.Minute},
		Admission: AdmissionConfig{
			RequireUsername: true,
			TokensPerImage:  1,
			LedgerTokens:    15,
			RateLimiter:     "memory",
			Timezone:        "UTC",
			MaxImageBytes:   20 << 20,
		},
		GRPC: GRPCConfig{Host: "0.0.0.0", Port: 50051, APIKey: "some-key"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_JWTAccessSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_ACCESS_SECRET") {
		t.Fatalf("expected JWT_ACCESS_SECRET error, got: %v", err)
	}
}

func TestValidate_JWTSecretsMustDiffer(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "the-same-secret-that-is-at-least-32-chars!"
	cfg.JWT.RefreshSecret = "the-same-secret-that-is-at-least-32-chars!"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("expected 'must differ' error, got: %v", err)
	}
}

func TestValidate_AdminHashMustBeBcrypt(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.PasswordHash = "plaintext-password"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "bcrypt") {
		t.Fatalf("expected bcrypt error, got: %v", err)
	}
}

func TestValidate_GeminiKeyRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Gemini.APIKey = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Fatalf("expected GEMINI_API_KEY error, got: %v", err)
	}
}

func TestValidate_UnknownRateLimiter(t *testing.T) {
	cfg := validConfig()
	cfg.Admission.RateLimiter = "etcd"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ADMISSION_RATE_LIMITER") {
		t.Fatalf("expected ADMISSION_RATE_LIMITER error, got: %v", err)
	}
}

func TestValidate_UnknownTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Admission.Timezone = "Mars/Olympus_Mons"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ADMISSION_TIMEZONE") {
		t.Fatalf("expected ADMISSION_TIMEZONE error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{Port: 0},
		DB:        DBConfig{Port: 5432},
		Redis:     RedisConfig{Port: 6379},
		GRPC:      GRPCConfig{Port: 50051},
		Admission: AdmissionConfig{RateLimiter: "redis", TokensPerImage: 1, MaxImageBytes: 1, Timezone: "UTC"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"JWT_ACCESS_SECRET", "JWT_REFRESH_SECRET", "ADMIN_PASSWORD_HASH", "GEMINI_API_KEY", "DB_PASSWORD", "SERVER_PORT"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" chrome-extension://abc , ,http://localhost:3000")
	if len(got) != 2 || got[0] != "chrome-extension://abc" || got[1] != "http://localhost:3000" {
		t.Fatalf("unexpected split result: %#v", got)
	}
	if splitList("") != nil {
		t.Fatal("expected nil for empty input")
	}
}

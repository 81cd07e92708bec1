package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	GRPC      GRPCConfig
	JWT       JWTConfig
	Admin     AdminConfig
	Gemini    GeminiConfig
	Admission AdmissionConfig
	Limits    LimitsConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables event publishing.
type NATSConfig struct {
	URL string
	// StreamMaxAge bounds how long usage and audit events stay in the stream.
	StreamMaxAge time.Duration
}

type GRPCConfig struct {
	Host   string
	Port   int
	APIKey string
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type AdminConfig struct {
	Username     string
	PasswordHash string
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// AdmissionConfig holds the knobs of the generate pipeline that are not
// stored in the ledger document.
type AdmissionConfig struct {
	RequireUsername bool
	TokensPerImage  int
	LedgerTokens    int
	RateLimiter     string // "redis" or "memory"
	EmergencyStop   bool
	Timezone        string
	MaxImageBytes   int64
	FetchTimeout    time.Duration
	DefaultItemType string
}

type LimitsConfig struct {
	SeedFile string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		GRPC: GRPCConfig{
			Host:   k.String("grpc.host"),
			Port:   k.Int("grpc.port"),
			APIKey: k.String("grpc.api.key"),
		},
		JWT: JWTConfig{
			AccessSecret:  k.String("jwt.access.secret"),
			RefreshSecret: k.String("jwt.refresh.secret"),
		},
		Admin: AdminConfig{
			Username:     k.String("admin.username"),
			PasswordHash: k.String("admin.password.hash"),
		},
		Gemini: GeminiConfig{
			APIKey:  k.String("gemini.api.key"),
			BaseURL: k.String("gemini.base.url"),
			Model:   k.String("gemini.model"),
		},
		Admission: AdmissionConfig{
			RequireUsername: k.String("admission.require.username") != "false",
			TokensPerImage:  k.Int("admission.tokens.per.image"),
			LedgerTokens:    k.Int("admission.ledger.tokens"),
			RateLimiter:     k.String("admission.rate.limiter"),
			EmergencyStop:   k.Bool("emergency.stop"),
			Timezone:        k.String("admission.timezone"),
			MaxImageBytes:   k.Int64("admission.max.image.bytes"),
			DefaultItemType: k.String("admission.default.item.type"),
		},
		Limits: LimitsConfig{
			SeedFile: k.String("limits.seed.file"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "dripcheck"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "dripcheck"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.GRPC.Host == "" {
		cfg.GRPC.Host = "0.0.0.0"
	}
	if cfg.GRPC.Port == 0 {
		cfg.GRPC.Port = 50051
	}
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = "admin"
	}
	if cfg.Gemini.BaseURL == "" {
		cfg.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = "gemini-2.5-flash-image-preview"
	}
	if cfg.Admission.TokensPerImage == 0 {
		cfg.Admission.TokensPerImage = 1
	}
	if cfg.Admission.LedgerTokens == 0 {
		cfg.Admission.LedgerTokens = 15
	}
	if cfg.Admission.RateLimiter == "" {
		cfg.Admission.RateLimiter = "redis"
	}
	if cfg.Admission.Timezone == "" {
		cfg.Admission.Timezone = "UTC"
	}
	if cfg.Admission.MaxImageBytes == 0 {
		cfg.Admission.MaxImageBytes = 20 << 20
	}
	if cfg.Admission.DefaultItemType == "" {
		cfg.Admission.DefaultItemType = "item, outfit, accessory, clothing, shoes, hat, glasses, mask, etc."
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	if cfg.JWT.AccessExpiry, err = parseDuration(k, "jwt.access.expiry", "15m"); err != nil {
		return nil, fmt.Errorf("parsing jwt access expiry: %w", err)
	}
	if cfg.JWT.RefreshExpiry, err = parseDuration(k, "jwt.refresh.expiry", "168h"); err != nil {
		return nil, fmt.Errorf("parsing jwt refresh expiry: %w", err)
	}
	if cfg.Gemini.Timeout, err = parseDuration(k, "gemini.timeout", "60s"); err != nil {
		return nil, fmt.Errorf("parsing gemini timeout: %w", err)
	}
	if cfg.Admission.FetchTimeout, err = parseDuration(k, "admission.fetch.timeout", "15s"); err != nil {
		return nil, fmt.Errorf("parsing image fetch timeout: %w", err)
	}
	if cfg.NATS.StreamMaxAge, err = parseDuration(k, "nats.stream.max.age", "168h"); err != nil {
		return nil, fmt.Errorf("parsing nats stream max age: %w", err)
	}

	return cfg, nil
}

// Location resolves the calendar used for daily and monthly ledger resets.
func (c AdmissionConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func parseDuration(k *koanf.Koanf, key, def string) (time.Duration, error) {
	s := k.String(key)
	if s == "" {
		s = def
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

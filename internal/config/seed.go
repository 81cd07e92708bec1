package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LimitsSeed holds the values written into the ledger and settings
// singletons the first time the database is initialised. Rows that already
// exist are never overwritten by the seed.
type LimitsSeed struct {
	Ledger   LedgerSeed   `yaml:"ledger"`
	Settings SettingsSeed `yaml:"settings"`
}

type LedgerSeed struct {
	GlobalDailyLimit       int           `yaml:"global_daily_limit"`
	GlobalMonthlyLimit     int           `yaml:"global_monthly_limit"`
	UserDailyLimit         int           `yaml:"user_daily_limit"`
	UserMonthlyLimit       int           `yaml:"user_monthly_limit"`
	RequestsPerMinute      int           `yaml:"requests_per_minute"`
	RequestsPerHour        int           `yaml:"requests_per_hour"`
	MaxCostPerDay          string        `yaml:"max_cost_per_day"`
	CostPerToken           string        `yaml:"cost_per_token"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	AbuseWindow            time.Duration `yaml:"abuse_window"`
	UsageAlertThreshold    float64       `yaml:"usage_alert_threshold"`
	CostAlertThreshold     float64       `yaml:"cost_alert_threshold"`
}

type SettingsSeed struct {
	EnableFreeTokens        bool   `yaml:"enable_free_tokens"`
	FreeTokensForNewUsers   int    `yaml:"free_tokens_for_new_users"`
	MaxFreeTokensPerUser    int    `yaml:"max_free_tokens_per_user"`
	FreeTokenExpiryDays     int    `yaml:"free_token_expiry_days"`
	WelcomeMessage          string `yaml:"welcome_message"`
	EnableIPRestriction     bool   `yaml:"enable_ip_restriction"`
	MaxUsersPerIP           int    `yaml:"max_users_per_ip"`
	IPRestrictionMessage    string `yaml:"ip_restriction_message"`
	EnableIPRequestLimits   bool   `yaml:"enable_ip_request_limits"`
	MaxRequestsPerIPPerHour int    `yaml:"max_requests_per_ip_per_hour"`
	MaxRequestsPerIPPerDay  int    `yaml:"max_requests_per_ip_per_day"`
}

// DefaultLimitsSeed returns the limits used when no seed file is configured.
func DefaultLimitsSeed() LimitsSeed {
	return LimitsSeed{
		Ledger: LedgerSeed{
			GlobalDailyLimit:       1000,
			GlobalMonthlyLimit:     30000,
			UserDailyLimit:         50,
			UserMonthlyLimit:       500,
			RequestsPerMinute:      10,
			RequestsPerHour:        100,
			MaxCostPerDay:          "50",
			CostPerToken:           "0.001",
			MaxConsecutiveFailures: 5,
			AbuseWindow:            60 * time.Minute,
			UsageAlertThreshold:    0.8,
			CostAlertThreshold:     0.8,
		},
		Settings: SettingsSeed{
			EnableFreeTokens:        true,
			FreeTokensForNewUsers:   5,
			MaxFreeTokensPerUser:    10,
			FreeTokenExpiryDays:     30,
			WelcomeMessage:          "Welcome to DripCheck! You've received free tokens to get started.",
			EnableIPRestriction:     false,
			MaxUsersPerIP:           3,
			IPRestrictionMessage:    "Maximum number of accounts reached for this network.",
			EnableIPRequestLimits:   false,
			MaxRequestsPerIPPerHour: 50,
			MaxRequestsPerIPPerDay:  200,
		},
	}
}

// LoadLimitsSeed reads the YAML seed file at path on top of the defaults.
// An empty path yields the defaults.
func LoadLimitsSeed(path string) (LimitsSeed, error) {
	seed := DefaultLimitsSeed()
	if path == "" {
		return seed, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return LimitsSeed{}, fmt.Errorf("reading limits seed: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &seed); err != nil {
		return LimitsSeed{}, fmt.Errorf("parsing limits seed: %w", err)
	}

	if err := seed.Validate(); err != nil {
		return LimitsSeed{}, err
	}
	return seed, nil
}

// Validate rejects seeds that would make every request fail.
func (s LimitsSeed) Validate() error {
	l := s.Ledger
	switch {
	case l.GlobalDailyLimit < 0 || l.GlobalMonthlyLimit < 0:
		return fmt.Errorf("limits seed: global limits must not be negative")
	case l.RequestsPerMinute < 1 || l.RequestsPerHour < 1:
		return fmt.Errorf("limits seed: request rates must be at least 1")
	case l.MaxConsecutiveFailures < 1:
		return fmt.Errorf("limits seed: max_consecutive_failures must be at least 1")
	case l.AbuseWindow <= 0:
		return fmt.Errorf("limits seed: abuse_window must be positive")
	case s.Settings.MaxUsersPerIP < 1:
		return fmt.Errorf("limits seed: max_users_per_ip must be at least 1")
	}
	return nil
}

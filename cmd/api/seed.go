package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dripcheck/dripcheck/internal/config"
	"github.com/dripcheck/dripcheck/internal/governance/quota"
	"github.com/dripcheck/dripcheck/internal/settings"
)

type ledgerSeeder interface {
	Seed(ctx context.Context, l quota.Ledger, dayStart, monthStart time.Time) (bool, error)
}

type settingsSeeder interface {
	Seed(ctx context.Context, s settings.Settings) (bool, error)
}

func ledgerFromSeed(s config.LedgerSeed) (quota.Ledger, error) {
	maxCost, err := decimal.NewFromString(s.MaxCostPerDay)
	if err != nil {
		return quota.Ledger{}, fmt.Errorf("limits seed: max_cost_per_day: %w", err)
	}
	costPerToken, err := decimal.NewFromString(s.CostPerToken)
	if err != nil {
		return quota.Ledger{}, fmt.Errorf("limits seed: cost_per_token: %w", err)
	}
	return quota.Ledger{
		GlobalDailyLimit:       s.GlobalDailyLimit,
		GlobalMonthlyLimit:     s.GlobalMonthlyLimit,
		UserDailyLimit:         s.UserDailyLimit,
		UserMonthlyLimit:       s.UserMonthlyLimit,
		RequestsPerMinute:      s.RequestsPerMinute,
		RequestsPerHour:        s.RequestsPerHour,
		MaxCostPerDay:          maxCost,
		CostPerToken:           costPerToken,
		MaxConsecutiveFailures: s.MaxConsecutiveFailures,
		AbuseWindow:            s.AbuseWindow,
		UsageAlertThreshold:    s.UsageAlertThreshold,
		CostAlertThreshold:     s.CostAlertThreshold,
	}, nil
}

func settingsFromSeed(s config.SettingsSeed) settings.Settings {
	return settings.Settings{
		EnableFreeTokens:        s.EnableFreeTokens,
		FreeTokensForNewUsers:   s.FreeTokensForNewUsers,
		MaxFreeTokensPerUser:    s.MaxFreeTokensPerUser,
		FreeTokenExpiryDays:     s.FreeTokenExpiryDays,
		WelcomeMessage:          s.WelcomeMessage,
		EnableIPRestriction:     s.EnableIPRestriction,
		MaxUsersPerIP:           s.MaxUsersPerIP,
		IPRestrictionMessage:    s.IPRestrictionMessage,
		EnableIPRequestLimits:   s.EnableIPRequestLimits,
		MaxRequestsPerIPPerHour: s.MaxRequestsPerIPPerHour,
		MaxRequestsPerIPPerDay:  s.MaxRequestsPerIPPerDay,
	}
}

// seedSingletons writes the ledger and settings rows on first start. Rows
// that already exist keep whatever operators changed since.
func seedSingletons(ctx context.Context, seed config.LimitsSeed, loc *time.Location, ledgers ledgerSeeder, policies settingsSeeder) error {
	ledger, err := ledgerFromSeed(seed.Ledger)
	if err != nil {
		return err
	}

	dayStart, monthStart := quota.PeriodStarts(time.Now(), loc)
	inserted, err := ledgers.Seed(ctx, ledger, dayStart, monthStart)
	if err != nil {
		return err
	}
	if inserted {
		slog.Info("seeded quota ledger", "daily_limit", ledger.GlobalDailyLimit, "monthly_limit", ledger.GlobalMonthlyLimit)
	}

	inserted, err = policies.Seed(ctx, settingsFromSeed(seed.Settings))
	if err != nil {
		return err
	}
	if inserted {
		slog.Info("seeded admin settings")
	}
	return nil
}

//go:build integration

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcheck/dripcheck/internal/generation"
	"github.com/dripcheck/dripcheck/internal/governance"
	"github.com/dripcheck/dripcheck/internal/governance/quota"
	"github.com/dripcheck/dripcheck/internal/governance/usage"
	"github.com/dripcheck/dripcheck/internal/identity"
	"github.com/dripcheck/dripcheck/internal/settings"
	"github.com/dripcheck/dripcheck/internal/testutil"
	"github.com/dripcheck/dripcheck/internal/tokens"
	"github.com/dripcheck/dripcheck/internal/users"
)

func TestPipeline_EndToEndAgainstPostgres(t *testing.T) {
	pool := testutil.Postgres(t)
	ctx := context.Background()

	settingsRepo := settings.NewRepository(pool)
	_, err := settingsRepo.Seed(ctx, settings.Settings{EnableFreeTokens: true, FreeTokensForNewUsers: 2, MaxUsersPerIP: 3})
	require.NoError(t, err)

	quotaRepo := quota.NewRepository(pool)
	day, month := quota.PeriodStarts(time.Now(), time.UTC)
	_, err = quotaRepo.Seed(ctx, quota.Ledger{
		GlobalDailyLimit: 1000, GlobalMonthlyLimit: 30000, UserDailyLimit: 50, UserMonthlyLimit: 500,
		RequestsPerMinute: 10, RequestsPerHour: 100,
		MaxCostPerDay: decimal.NewFromInt(50), CostPerToken: decimal.RequireFromString("0.001"),
		MaxConsecutiveFailures: 5, AbuseWindow: time.Hour,
	}, day, month)
	require.NoError(t, err)

	userRepo := users.NewRepository(pool)
	usageRepo := usage.NewRepository(pool)
	quotaSvc := quota.NewService(quota.Deps{
		Ledger:    quotaRepo,
		Usage:     usageRepo,
		IPCounter: userRepo,
		Settings:  settingsRepo,
		Limiter:   quota.NewMemoryWindowLimiter(),
	}, quota.Options{Location: time.UTC})

	fetcher := &fakeFetcher{images: map[string]generation.Image{"base": baseImg, "overlay": overlayImg}}
	gateway := gatewayFunc(func(context.Context, generation.Input) (*generation.Result, error) {
		return &generation.Result{Kind: generation.ResultImage, Image: outputImg}, nil
	})

	pipeline := NewPipeline(identity.NewResolver(userRepo, settingsRepo), quotaSvc, tokens.NewAccount(pool),
		fetcher, gateway, Options{TokensPerImage: 1, LedgerTokens: 15})

	req := Request{BaseImage: "base", OverlayImage: "overlay", ClaimedUserID: "ext-1", ClientIP: "192.0.2.10"}

	for want := 1; want >= 0; want-- {
		res, err := pipeline.Run(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, want, res.Balance)
	}

	_, err = pipeline.Run(ctx, req)
	assert.True(t, governance.IsKind(err, governance.KindNoTokensRemaining))

	ledger, err := quotaRepo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, ledger.CurrentDailyUsage)
	assert.True(t, ledger.CurrentDailyCost.Equal(decimal.RequireFromString("0.03")))

	stats, err := usageRepo.UserStats(ctx, "ext-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SuccessfulRequests)
}

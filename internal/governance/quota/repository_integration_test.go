//go:build integration

package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcheck/dripcheck/internal/testutil"
)

func seededRepository(t *testing.T, dayStart, monthStart time.Time) *Repository {
	t.Helper()
	repo := NewRepository(testutil.Postgres(t))
	inserted, err := repo.Seed(context.Background(), Ledger{
		GlobalDailyLimit:       1000,
		GlobalMonthlyLimit:     30000,
		UserDailyLimit:         50,
		UserMonthlyLimit:       500,
		RequestsPerMinute:      10,
		RequestsPerHour:        100,
		MaxCostPerDay:          decimal.NewFromInt(50),
		CostPerToken:           decimal.RequireFromString("0.001"),
		MaxConsecutiveFailures: 5,
		AbuseWindow:            time.Hour,
		UsageAlertThreshold:    0.8,
		CostAlertThreshold:     0.8,
	}, dayStart, monthStart)
	require.NoError(t, err)
	require.True(t, inserted)
	return repo
}

func TestRepository_SeedKeepsExistingRow(t *testing.T) {
	day, month := PeriodStarts(time.Now(), time.UTC)
	repo := seededRepository(t, day, month)
	ctx := context.Background()

	inserted, err := repo.Seed(ctx, Ledger{GlobalDailyLimit: 1, RequestsPerMinute: 1, RequestsPerHour: 1}, day, month)
	require.NoError(t, err)
	assert.False(t, inserted)

	l, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000, l.GlobalDailyLimit)
	assert.Equal(t, time.Hour, l.AbuseWindow)
	assert.True(t, l.CostPerToken.Equal(decimal.RequireFromString("0.001")))
}

func TestRepository_ConcurrentRolloverAppliesOnce(t *testing.T) {
	yesterday := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)
	repo := seededRepository(t, yesterday, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := repo.AddUsage(ctx, 15, decimal.RequireFromString("0.015"))
	require.NoError(t, err)

	today := yesterday.AddDate(0, 0, 1)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		reset int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ResetDailyIfStale(ctx, today)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				reset++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, reset)

	l, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, l.CurrentDailyUsage)
	assert.True(t, l.CurrentDailyCost.IsZero())
	assert.Equal(t, 15, l.CurrentMonthlyUsage, "monthly counter survives a daily rollover")

	ok, err := repo.ResetMonthlyIfStale(ctx, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok, "month has not turned")
}

func TestRepository_AddUsageIsAtomic(t *testing.T) {
	day, month := PeriodStarts(time.Now(), time.UTC)
	repo := seededRepository(t, day, month)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.AddUsage(ctx, 15, decimal.RequireFromString("0.015"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	l, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300, l.CurrentDailyUsage)
	assert.Equal(t, 300, l.CurrentMonthlyUsage)
	assert.True(t, l.CurrentDailyCost.Equal(decimal.RequireFromString("0.3")), "got %s", l.CurrentDailyCost)
}

func TestRepository_EmergencyStopAndLimits(t *testing.T) {
	day, month := PeriodStarts(time.Now(), time.UTC)
	repo := seededRepository(t, day, month)
	ctx := context.Background()

	l, err := repo.SetEmergencyStop(ctx, true, "provider incident")
	require.NoError(t, err)
	assert.True(t, l.EmergencyStop)
	assert.Equal(t, "provider incident", l.EmergencyReason)

	l.RequestsPerMinute = 3
	l.MaxCostPerDay = decimal.RequireFromString("12.5")
	saved, err := repo.SaveLimits(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, 3, saved.RequestsPerMinute)
	assert.True(t, saved.MaxCostPerDay.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, saved.EmergencyStop)
}

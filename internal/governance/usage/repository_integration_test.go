//go:build integration

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripcheck/dripcheck/internal/testutil"
)

func TestRepository_FailureStreakAndTotals(t *testing.T) {
	repo := NewRepository(testutil.Postgres(t))
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	require.NoError(t, repo.Insert(ctx, &Record{
		UserID: "u1", TokensUsed: 15, Cost: decimal.RequireFromString("0.015"), Success: true,
		Metadata: map[string]any{"item_type": "hat"},
	}))
	for range 3 {
		require.NoError(t, repo.Insert(ctx, &Record{UserID: "u1", Success: false, ErrorMessage: "POLICY_BLOCKED"}))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, repo.Insert(ctx, &Record{UserID: "someone-else", TokensUsed: 15, Success: true}))

	stats, err := repo.WindowStats(ctx, "u1", start, 5)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Requests)
	assert.Equal(t, 15, stats.Tokens)
	assert.Equal(t, 3, stats.ConsecutiveFailures)

	capped, err := repo.WindowStats(ctx, "u1", start, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, capped.ConsecutiveFailures)

	totals, err := repo.TokenTotals(ctx, "u1", start, start.AddDate(0, -1, 0))
	require.NoError(t, err)
	assert.Equal(t, 15, totals.Day)
	assert.Equal(t, 15, totals.Month)

	userStats, err := repo.UserStats(ctx, "u1", start)
	require.NoError(t, err)
	assert.Equal(t, 4, userStats.TotalRequests)
	assert.Equal(t, 1, userStats.SuccessfulRequests)
	assert.Equal(t, 3, userStats.FailedRequests)
	assert.True(t, userStats.TotalCost.Equal(decimal.RequireFromString("0.015")))
	require.NotNil(t, userStats.LastRequestAt)
}

func TestRepository_UserStatsEmpty(t *testing.T) {
	repo := NewRepository(testutil.Postgres(t))

	stats, err := repo.UserStats(context.Background(), "nobody", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRequests)
	assert.True(t, stats.TotalCost.IsZero())
	assert.Nil(t, stats.LastRequestAt)
}

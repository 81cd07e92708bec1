package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository handles the quota_ledger singleton row.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new quota Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ledgerColumns = `global_daily_limit, global_monthly_limit, user_daily_limit, user_monthly_limit,
	requests_per_minute, requests_per_hour, max_cost_per_day::text, cost_per_token::text,
	current_daily_usage, current_monthly_usage, current_daily_cost::text,
	emergency_stop, emergency_reason, max_consecutive_failures, abuse_window_seconds,
	usage_alert_threshold, cost_alert_threshold, last_daily_reset, last_monthly_reset, updated_at`

func scanLedger(row pgx.Row) (*Ledger, error) {
	var (
		l                        Ledger
		maxCost, perToken, spent string
		abuseSeconds             int
	)
	err := row.Scan(
		&l.GlobalDailyLimit, &l.GlobalMonthlyLimit, &l.UserDailyLimit, &l.UserMonthlyLimit,
		&l.RequestsPerMinute, &l.RequestsPerHour, &maxCost, &perToken,
		&l.CurrentDailyUsage, &l.CurrentMonthlyUsage, &spent,
		&l.EmergencyStop, &l.EmergencyReason, &l.MaxConsecutiveFailures, &abuseSeconds,
		&l.UsageAlertThreshold, &l.CostAlertThreshold, &l.LastDailyReset, &l.LastMonthlyReset, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if l.MaxCostPerDay, err = decimal.NewFromString(maxCost); err != nil {
		return nil, fmt.Errorf("parsing max_cost_per_day: %w", err)
	}
	if l.CostPerToken, err = decimal.NewFromString(perToken); err != nil {
		return nil, fmt.Errorf("parsing cost_per_token: %w", err)
	}
	if l.CurrentDailyCost, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("parsing current_daily_cost: %w", err)
	}
	l.AbuseWindow = time.Duration(abuseSeconds) * time.Second
	return &l, nil
}

// Seed writes l as the singleton unless a row already exists, stamping the
// reset times with the current period starts. It reports whether a row was
// inserted.
func (r *Repository) Seed(ctx context.Context, l Ledger, dayStart, monthStart time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO quota_ledger (id, global_daily_limit, global_monthly_limit, user_daily_limit,
		     user_monthly_limit, requests_per_minute, requests_per_hour, max_cost_per_day, cost_per_token,
		     max_consecutive_failures, abuse_window_seconds, usage_alert_threshold, cost_alert_threshold,
		     last_daily_reset, last_monthly_reset)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		l.GlobalDailyLimit, l.GlobalMonthlyLimit, l.UserDailyLimit, l.UserMonthlyLimit,
		l.RequestsPerMinute, l.RequestsPerHour, l.MaxCostPerDay.String(), l.CostPerToken.String(),
		l.MaxConsecutiveFailures, int(l.AbuseWindow/time.Second), l.UsageAlertThreshold, l.CostAlertThreshold,
		dayStart, monthStart,
	)
	if err != nil {
		return false, fmt.Errorf("seeding quota ledger: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) Get(ctx context.Context) (*Ledger, error) {
	l, err := scanLedger(r.pool.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM quota_ledger WHERE id = 1`))
	if err != nil {
		return nil, fmt.Errorf("querying quota ledger: %w", err)
	}
	return l, nil
}

// ResetDailyIfStale zeroes the daily counters when the last reset predates
// dayStart. The condition makes concurrent rollovers apply once.
func (r *Repository) ResetDailyIfStale(ctx context.Context, dayStart time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE quota_ledger
		 SET current_daily_usage = 0,
		     current_daily_cost = 0,
		     last_daily_reset = $1,
		     updated_at = NOW()
		 WHERE id = 1 AND last_daily_reset < $1`, dayStart)
	if err != nil {
		return false, fmt.Errorf("resetting daily ledger: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetMonthlyIfStale is ResetDailyIfStale for the monthly counter.
func (r *Repository) ResetMonthlyIfStale(ctx context.Context, monthStart time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE quota_ledger
		 SET current_monthly_usage = 0,
		     last_monthly_reset = $1,
		     updated_at = NOW()
		 WHERE id = 1 AND last_monthly_reset < $1`, monthStart)
	if err != nil {
		return false, fmt.Errorf("resetting monthly ledger: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddUsage increments the running counters in one statement.
func (r *Repository) AddUsage(ctx context.Context, tokens int, cost decimal.Decimal) (*Totals, error) {
	var (
		t     Totals
		spent string
	)
	err := r.pool.QueryRow(ctx,
		`UPDATE quota_ledger
		 SET current_daily_usage = current_daily_usage + $1,
		     current_monthly_usage = current_monthly_usage + $1,
		     current_daily_cost = current_daily_cost + $2::numeric,
		     updated_at = NOW()
		 WHERE id = 1
		 RETURNING current_daily_usage, current_monthly_usage, current_daily_cost::text`,
		tokens, cost.String(),
	).Scan(&t.DailyUsage, &t.MonthlyUsage, &spent)
	if err != nil {
		return nil, fmt.Errorf("incrementing ledger usage: %w", err)
	}
	if t.DailyCost, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("parsing ledger cost: %w", err)
	}
	return &t, nil
}

func (r *Repository) SetEmergencyStop(ctx context.Context, stop bool, reason string) (*Ledger, error) {
	l, err := scanLedger(r.pool.QueryRow(ctx,
		`UPDATE quota_ledger
		 SET emergency_stop = $1, emergency_reason = $2, updated_at = NOW()
		 WHERE id = 1
		 RETURNING `+ledgerColumns, stop, reason))
	if err != nil {
		return nil, fmt.Errorf("setting emergency stop: %w", err)
	}
	return l, nil
}

// SaveLimits writes the operator-editable fields of l.
func (r *Repository) SaveLimits(ctx context.Context, l *Ledger) (*Ledger, error) {
	saved, err := scanLedger(r.pool.QueryRow(ctx,
		`UPDATE quota_ledger SET
		     global_daily_limit = $1, global_monthly_limit = $2,
		     user_daily_limit = $3, user_monthly_limit = $4,
		     requests_per_minute = $5, requests_per_hour = $6,
		     max_cost_per_day = $7::numeric, cost_per_token = $8::numeric,
		     max_consecutive_failures = $9, abuse_window_seconds = $10,
		     usage_alert_threshold = $11, cost_alert_threshold = $12,
		     updated_at = NOW()
		 WHERE id = 1
		 RETURNING `+ledgerColumns,
		l.GlobalDailyLimit, l.GlobalMonthlyLimit, l.UserDailyLimit, l.UserMonthlyLimit,
		l.RequestsPerMinute, l.RequestsPerHour, l.MaxCostPerDay.String(), l.CostPerToken.String(),
		l.MaxConsecutiveFailures, int(l.AbuseWindow/time.Second), l.UsageAlertThreshold, l.CostAlertThreshold,
	))
	if err != nil {
		return nil, fmt.Errorf("updating ledger limits: %w", err)
	}
	return saved, nil
}

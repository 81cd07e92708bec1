package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository handles usage_records PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new usage Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends a usage record.
func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RequestType == "" {
		rec.RequestType = RequestTypeImageGeneration
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO usage_records
		    (id, user_id, tokens_used, cost, request_type, success, error_message, ip_address, user_agent, metadata)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		rec.ID, rec.UserID, rec.TokensUsed, rec.Cost.String(), rec.RequestType, rec.Success,
		rec.ErrorMessage, rec.IPAddress, rec.UserAgent, metadata,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

// WindowStats aggregates the user's records created at or after since.
// Only the newest streakLimit records are inspected for the failure streak.
func (r *Repository) WindowStats(ctx context.Context, userID string, since time.Time, streakLimit int) (*WindowStats, error) {
	var stats WindowStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_used), 0)
		 FROM usage_records
		 WHERE user_id = $1 AND created_at >= $2`, userID, since,
	).Scan(&stats.Requests, &stats.Tokens)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage window: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT success FROM usage_records
		 WHERE user_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT $3`, userID, since, streakLimit)
	if err != nil {
		return nil, fmt.Errorf("querying failure streak: %w", err)
	}
	defer rows.Close()

	var successes []bool
	for rows.Next() {
		var ok bool
		if err := rows.Scan(&ok); err != nil {
			return nil, fmt.Errorf("scanning failure streak: %w", err)
		}
		successes = append(successes, ok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failure streak: %w", err)
	}

	stats.ConsecutiveFailures = LeadingFailures(successes)
	return &stats, nil
}

// TokenTotals sums the user's successful tokens since dayStart and monthStart.
func (r *Repository) TokenTotals(ctx context.Context, userID string, dayStart, monthStart time.Time) (*TokenTotals, error) {
	var t TokenTotals
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens_used) FILTER (WHERE created_at >= $2), 0),
		        COALESCE(SUM(tokens_used) FILTER (WHERE created_at >= $3), 0)
		 FROM usage_records
		 WHERE user_id = $1 AND success AND created_at >= LEAST($2::timestamptz, $3::timestamptz)`,
		userID, dayStart, monthStart,
	).Scan(&t.Day, &t.Month)
	if err != nil {
		return nil, fmt.Errorf("summing user tokens: %w", err)
	}
	return &t, nil
}

// UserStats aggregates all of a user's records created since the given time.
func (r *Repository) UserStats(ctx context.Context, userID string, since time.Time) (*UserStats, error) {
	stats := UserStats{UserID: userID, Since: since}
	var cost string
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE success),
		        COUNT(*) FILTER (WHERE NOT success),
		        COALESCE(SUM(tokens_used), 0),
		        COALESCE(SUM(cost), 0)::text,
		        MAX(created_at)
		 FROM usage_records
		 WHERE user_id = $1 AND created_at >= $2`, userID, since,
	).Scan(&stats.TotalRequests, &stats.SuccessfulRequests, &stats.FailedRequests,
		&stats.TotalTokens, &cost, &stats.LastRequestAt)
	if err != nil {
		return nil, fmt.Errorf("aggregating user usage: %w", err)
	}

	stats.TotalCost, err = decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("parsing user usage cost: %w", err)
	}
	return &stats, nil
}

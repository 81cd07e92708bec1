package settings

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles the admin_settings singleton row.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const settingsColumns = `enable_free_tokens, free_tokens_for_new_users, max_free_tokens_per_user,
	free_token_expiry_days, welcome_message, enable_ip_restriction, max_users_per_ip,
	ip_restriction_message, enable_ip_request_limits, max_requests_per_ip_per_hour,
	max_requests_per_ip_per_day, updated_by, updated_at`

// Seed writes s as the singleton unless a row already exists. It reports
// whether the row was inserted.
func (r *Repository) Seed(ctx context.Context, s Settings) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO admin_settings (id, `+settingsColumns+`)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'system', NOW())
		 ON CONFLICT (id) DO NOTHING`,
		s.EnableFreeTokens, s.FreeTokensForNewUsers, s.MaxFreeTokensPerUser,
		s.FreeTokenExpiryDays, s.WelcomeMessage, s.EnableIPRestriction, s.MaxUsersPerIP,
		s.IPRestrictionMessage, s.EnableIPRequestLimits, s.MaxRequestsPerIPPerHour,
		s.MaxRequestsPerIPPerDay,
	)
	if err != nil {
		return false, fmt.Errorf("seeding admin settings: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	err := r.pool.QueryRow(ctx, `SELECT `+settingsColumns+` FROM admin_settings WHERE id = 1`).Scan(
		&s.EnableFreeTokens, &s.FreeTokensForNewUsers, &s.MaxFreeTokensPerUser,
		&s.FreeTokenExpiryDays, &s.WelcomeMessage, &s.EnableIPRestriction, &s.MaxUsersPerIP,
		&s.IPRestrictionMessage, &s.EnableIPRequestLimits, &s.MaxRequestsPerIPPerHour,
		&s.MaxRequestsPerIPPerDay, &s.UpdatedBy, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying admin settings: %w", err)
	}
	return s, nil
}

// Save overwrites every policy field of the singleton.
func (r *Repository) Save(ctx context.Context, s *Settings) error {
	err := r.pool.QueryRow(ctx,
		`UPDATE admin_settings SET
		     enable_free_tokens = $1, free_tokens_for_new_users = $2, max_free_tokens_per_user = $3,
		     free_token_expiry_days = $4, welcome_message = $5, enable_ip_restriction = $6,
		     max_users_per_ip = $7, ip_restriction_message = $8, enable_ip_request_limits = $9,
		     max_requests_per_ip_per_hour = $10, max_requests_per_ip_per_day = $11,
		     updated_by = $12, updated_at = NOW()
		 WHERE id = 1
		 RETURNING updated_at`,
		s.EnableFreeTokens, s.FreeTokensForNewUsers, s.MaxFreeTokensPerUser,
		s.FreeTokenExpiryDays, s.WelcomeMessage, s.EnableIPRestriction, s.MaxUsersPerIP,
		s.IPRestrictionMessage, s.EnableIPRequestLimits, s.MaxRequestsPerIPPerHour,
		s.MaxRequestsPerIPPerDay, s.UpdatedBy,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating admin settings: %w", err)
	}
	return nil
}

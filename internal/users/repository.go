package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dripcheck/dripcheck/internal/database"
)

var ErrUsernameTaken = errors.New("username already taken")

// BuildFunc decides the row to insert once the number of users already
// referencing the address is known. Returning an error aborts the insert.
type BuildFunc func(existingForIP int) (*User, error)

type Repository interface {
	FindByID(ctx context.Context, userID string) (*User, error)
	FindLatestByIP(ctx context.Context, ip string) (*User, error)
	CreateForIP(ctx context.Context, userID, ip string, build BuildFunc) (*User, bool, error)
	EnsureMinimal(ctx context.Context, userID, ip string) (*User, error)
	Touch(ctx context.Context, userID, ip, userAgent string, at time.Time) (*User, error)
	SetUsername(ctx context.Context, userID, username string) (*User, error)
	IPRequestTotals(ctx context.Context, ip string, at time.Time) (hourly, daily int, err error)
	IncrementIPRequests(ctx context.Context, userID string, at time.Time) error
	FreeTokenStats(ctx context.Context, recent int) (*FreeTokenStats, error)
	IPStats(ctx context.Context, limit int) ([]IPStat, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const userColumns = `user_id, username, username_set, tokens, has_received_free_tokens,
	free_tokens_received, free_tokens_received_at, ip_address, last_ip_address,
	ip_hourly_requests, ip_daily_requests, ip_last_hour_reset, ip_last_day_reset,
	used_coupons, last_active, created_at, updated_at`

// ipMatch selects users whose first-seen, last-seen or historical address is $1.
const ipMatch = `(u.ip_address = $1 OR u.last_ip_address = $1 OR EXISTS (
	SELECT 1 FROM user_ip_history h WHERE h.user_id = u.user_id AND h.ip = $1))`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.UserID, &u.Username, &u.UsernameSet, &u.Tokens, &u.HasReceivedFreeTokens,
		&u.FreeTokensReceived, &u.FreeTokensReceivedAt, &u.IPAddress, &u.LastIPAddress,
		&u.IPRequestCounts.Hourly, &u.IPRequestCounts.Daily,
		&u.IPRequestCounts.LastHourReset, &u.IPRequestCounts.LastDayReset,
		&u.UsedCoupons, &u.LastActive, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *postgresRepository) FindByID(ctx context.Context, userID string) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	if u.IPHistory, err = r.history(ctx, u.UserID); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *postgresRepository) FindLatestByIP(ctx context.Context, ip string) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE `+ipMatch+`
		 ORDER BY u.last_active DESC LIMIT 1`, ip))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user by ip: %w", err)
	}
	if u.IPHistory, err = r.history(ctx, u.UserID); err != nil {
		return nil, err
	}
	return u, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countByIP(ctx context.Context, q querier, ip string) (int, error) {
	var n int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM users u WHERE `+ipMatch, ip).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users by ip: %w", err)
	}
	return n, nil
}

func (r *postgresRepository) history(ctx context.Context, userID string) ([]IPHistoryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ip, first_seen, last_seen, user_agent FROM user_ip_history
		 WHERE user_id = $1 ORDER BY first_seen`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying ip history: %w", err)
	}
	defer rows.Close()

	var entries []IPHistoryEntry
	for rows.Next() {
		var e IPHistoryEntry
		if err := rows.Scan(&e.IP, &e.FirstSeen, &e.LastSeen, &e.UserAgent); err != nil {
			return nil, fmt.Errorf("scanning ip history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ip history: %w", err)
	}
	return entries, nil
}

// CreateForIP inserts userID while holding a transaction-scoped advisory
// lock on the address, so concurrent creations from one IP observe each
// other's rows when counting. When userID already exists, that row is
// returned with false before the address is counted or build is called.
func (r *postgresRepository) CreateForIP(ctx context.Context, userID, ip string, build BuildFunc) (*User, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("beginning user creation: %w", err)
	}
	defer tx.Rollback(ctx)

	if KnownIP(ip) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "users:ip:"+ip); err != nil {
			return nil, false, fmt.Errorf("locking ip %s: %w", ip, err)
		}
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return nil, false, fmt.Errorf("checking user %s: %w", userID, err)
	}
	if exists {
		tx.Rollback(ctx)
		return r.findExisting(ctx, userID)
	}

	existing := 0
	if KnownIP(ip) {
		if existing, err = countByIP(ctx, tx, ip); err != nil {
			return nil, false, err
		}
	}

	u, err := build(existing)
	if err != nil {
		return nil, false, err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO users (user_id, username, tokens, has_received_free_tokens, free_tokens_received,
		     free_tokens_received_at, ip_address, last_ip_address, last_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $8, $8)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING created_at`,
		u.UserID, DefaultUsername, u.Tokens, u.HasReceivedFreeTokens, u.FreeTokensReceived,
		u.FreeTokensReceivedAt, u.IPAddress, u.CreatedAt,
	).Scan(&u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		tx.Rollback(ctx)
		return r.findExisting(ctx, u.UserID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("inserting user: %w", err)
	}

	if KnownIP(u.IPAddress) {
		_, err = tx.Exec(ctx,
			`INSERT INTO user_ip_history (user_id, ip, first_seen, last_seen, user_agent)
			 VALUES ($1, $2, $3, $3, $4)`,
			u.UserID, u.IPAddress, u.CreatedAt, userAgentOf(u))
		if err != nil {
			return nil, false, fmt.Errorf("seeding ip history: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing user creation: %w", err)
	}

	u.Username = DefaultUsername
	u.LastIPAddress = u.IPAddress
	u.LastActive = u.CreatedAt
	u.UpdatedAt = u.CreatedAt
	u.UsedCoupons = []string{}
	return u, true, nil
}

func (r *postgresRepository) findExisting(ctx context.Context, userID string) (*User, bool, error) {
	found, err := r.FindByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if found == nil {
		return nil, false, fmt.Errorf("user %s conflicted but was not found", userID)
	}
	return found, false, nil
}

func userAgentOf(u *User) string {
	if len(u.IPHistory) > 0 {
		return u.IPHistory[0].UserAgent
	}
	return ""
}

// EnsureMinimal finds or inserts a bare user row without free tokens or IP
// checks.
func (r *postgresRepository) EnsureMinimal(ctx context.Context, userID, ip string) (*User, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (user_id, ip_address, last_ip_address)
		 VALUES ($1, $2, $2)
		 ON CONFLICT (user_id) DO NOTHING`, userID, ip)
	if err != nil {
		return nil, fmt.Errorf("ensuring minimal user: %w", err)
	}
	u, err := r.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("minimal user %s not found after insert", userID)
	}
	return u, nil
}

// Touch records activity: last_active, last_ip_address and the history entry
// for ip are updated or appended.
func (r *postgresRepository) Touch(ctx context.Context, userID, ip, userAgent string, at time.Time) (*User, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning touch: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE users
		 SET last_active = $3, updated_at = $3,
		     last_ip_address = CASE WHEN $2 = '' THEN last_ip_address ELSE $2 END
		 WHERE user_id = $1`, userID, ip, at)
	if err != nil {
		return nil, fmt.Errorf("updating last activity: %w", err)
	}

	if KnownIP(ip) {
		_, err = tx.Exec(ctx,
			`INSERT INTO user_ip_history (user_id, ip, first_seen, last_seen, user_agent)
			 VALUES ($1, $2, $3, $3, $4)
			 ON CONFLICT (user_id, ip) DO UPDATE
			 SET last_seen = EXCLUDED.last_seen, user_agent = EXCLUDED.user_agent`,
			userID, ip, at, userAgent)
		if err != nil {
			return nil, fmt.Errorf("upserting ip history: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing touch: %w", err)
	}
	return r.FindByID(ctx, userID)
}

func (r *postgresRepository) SetUsername(ctx context.Context, userID, username string) (*User, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET username = $2, username_set = TRUE, updated_at = NOW()
		 WHERE user_id = $1`, userID, username)
	if err != nil {
		if database.IsUniqueViolation(err, "idx_users_username_lower") {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("updating username: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return r.FindByID(ctx, userID)
}

// IPRequestTotals sums the non-stale request counters of every user that
// references ip.
func (r *postgresRepository) IPRequestTotals(ctx context.Context, ip string, at time.Time) (int, int, error) {
	var hourly, daily int
	err := r.pool.QueryRow(ctx,
		`SELECT
		     COALESCE(SUM(u.ip_hourly_requests) FILTER (WHERE u.ip_last_hour_reset > $2::timestamptz - INTERVAL '1 hour'), 0),
		     COALESCE(SUM(u.ip_daily_requests) FILTER (WHERE u.ip_last_day_reset > $2::timestamptz - INTERVAL '1 day'), 0)
		 FROM users u WHERE `+ipMatch, ip, at,
	).Scan(&hourly, &daily)
	if err != nil {
		return 0, 0, fmt.Errorf("summing ip request counters: %w", err)
	}
	return hourly, daily, nil
}

// IncrementIPRequests bumps the user's counters, restarting a window whose
// reset time has passed.
func (r *postgresRepository) IncrementIPRequests(ctx context.Context, userID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET
		     ip_hourly_requests = CASE WHEN ip_last_hour_reset <= $2::timestamptz - INTERVAL '1 hour'
		                               THEN 1 ELSE ip_hourly_requests + 1 END,
		     ip_last_hour_reset = CASE WHEN ip_last_hour_reset <= $2::timestamptz - INTERVAL '1 hour'
		                               THEN $2::timestamptz ELSE ip_last_hour_reset END,
		     ip_daily_requests  = CASE WHEN ip_last_day_reset <= $2::timestamptz - INTERVAL '1 day'
		                               THEN 1 ELSE ip_daily_requests + 1 END,
		     ip_last_day_reset  = CASE WHEN ip_last_day_reset <= $2::timestamptz - INTERVAL '1 day'
		                               THEN $2::timestamptz ELSE ip_last_day_reset END
		 WHERE user_id = $1`, userID, at)
	if err != nil {
		return fmt.Errorf("incrementing ip request counters: %w", err)
	}
	return nil
}

func (r *postgresRepository) FreeTokenStats(ctx context.Context, recent int) (*FreeTokenStats, error) {
	stats := &FreeTokenStats{RecentRecipients: []FreeTokenGrant{}}
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE has_received_free_tokens),
		        COALESCE(SUM(free_tokens_received), 0)
		 FROM users`,
	).Scan(&stats.TotalUsers, &stats.UsersWithFreeTokens, &stats.TotalFreeTokensGiven)
	if err != nil {
		return nil, fmt.Errorf("aggregating free token stats: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT user_id, free_tokens_received, free_tokens_received_at FROM users
		 WHERE has_received_free_tokens
		 ORDER BY free_tokens_received_at DESC NULLS LAST
		 LIMIT $1`, recent)
	if err != nil {
		return nil, fmt.Errorf("querying recent free token grants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g FreeTokenGrant
		if err := rows.Scan(&g.UserID, &g.Tokens, &g.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning free token grant: %w", err)
		}
		stats.RecentRecipients = append(stats.RecentRecipients, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating free token grants: %w", err)
	}
	return stats, nil
}

// IPStats lists the addresses shared by the most users.
func (r *postgresRepository) IPStats(ctx context.Context, limit int) ([]IPStat, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ip_address, COUNT(*), MAX(last_active) FROM users
		 WHERE ip_address <> '' AND ip_address <> $2
		 GROUP BY ip_address
		 ORDER BY COUNT(*) DESC, MAX(last_active) DESC
		 LIMIT $1`, limit, UnknownIP)
	if err != nil {
		return nil, fmt.Errorf("querying ip stats: %w", err)
	}
	defer rows.Close()

	stats := []IPStat{}
	for rows.Next() {
		var s IPStat
		if err := rows.Scan(&s.IP, &s.Users, &s.LastActive); err != nil {
			return nil, fmt.Errorf("scanning ip stat: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ip stats: %w", err)
	}
	return stats, nil
}

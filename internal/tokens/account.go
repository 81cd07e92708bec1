package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dripcheck/dripcheck/internal/database"
)

// Account moves tokens in and out of user balances. Every operation is a
// single conditional statement or transaction, so balances never go
// negative under concurrent requests.
type Account struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewAccount(pool *pgxpool.Pool) *Account {
	return &Account{pool: pool, now: time.Now}
}

// Debit removes amount tokens and returns the new balance.
func (a *Account) Debit(ctx context.Context, userID string, amount int) (int, error) {
	var balance int
	err := a.pool.QueryRow(ctx,
		`UPDATE users SET tokens = tokens - $2, updated_at = NOW()
		 WHERE user_id = $1 AND tokens >= $2
		 RETURNING tokens`, userID, amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("debiting tokens: %w", err)
	}
	return balance, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// credit is the single balance increment shared by Credit and coupon
// redemption.
func credit(ctx context.Context, q rowQuerier, userID string, amount int) (int, error) {
	var balance int
	err := q.QueryRow(ctx,
		`UPDATE users SET tokens = tokens + $2, updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING tokens`, userID, amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("crediting tokens: %w", err)
	}
	return balance, nil
}

// Credit adds amount tokens and returns the new balance.
func (a *Account) Credit(ctx context.Context, userID string, amount int) (int, error) {
	return credit(ctx, a.pool, userID, amount)
}

// RedeemCoupon credits the coupon's tokens to userID. The coupon row is
// locked for the whole transaction so max_uses holds under concurrency.
func (a *Account) RedeemCoupon(ctx context.Context, userID, code string) (*Redemption, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning redemption: %w", err)
	}
	defer tx.Rollback(ctx)

	coupon, err := scanCoupon(tx.QueryRow(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = $1 FOR UPDATE`, NormalizeCode(code)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("locking coupon: %w", err)
	}
	if !coupon.Valid(a.now()) {
		return nil, ErrCouponInvalid
	}

	tag, err := tx.Exec(ctx,
		`UPDATE users SET used_coupons = array_append(used_coupons, $2::text)
		 WHERE user_id = $1 AND NOT ($2::text = ANY(used_coupons))`, userID, coupon.ID)
	if err != nil {
		return nil, fmt.Errorf("marking coupon used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking user: %w", err)
		}
		if !exists {
			return nil, ErrUserNotFound
		}
		return nil, ErrCouponAlreadyUsed
	}

	balance, err := credit(ctx, tx, userID, coupon.TokenAmount)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE coupons SET used_count = used_count + 1 WHERE id = $1`, coupon.ID); err != nil {
		return nil, fmt.Errorf("counting coupon use: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing redemption: %w", err)
	}

	return &Redemption{
		CouponID:    coupon.ID,
		Code:        coupon.Code,
		TokensAdded: coupon.TokenAmount,
		Balance:     balance,
	}, nil
}

const couponColumns = `id::text, code, token_amount, max_uses, used_count, expiry_date, is_active, created_by, created_at`

func scanCoupon(row pgx.Row) (*Coupon, error) {
	c := &Coupon{}
	if err := row.Scan(&c.ID, &c.Code, &c.TokenAmount, &c.MaxUses, &c.UsedCount,
		&c.ExpiryDate, &c.IsActive, &c.CreatedBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// CouponRepository handles coupon administration.
type CouponRepository struct {
	pool *pgxpool.Pool
}

func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Create inserts c, normalizing its code.
func (r *CouponRepository) Create(ctx context.Context, c *Coupon) error {
	c.Code = NormalizeCode(c.Code)
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (id, code, token_amount, max_uses, expiry_date, is_active, created_by)
		 VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		 RETURNING id::text, used_count, created_at`,
		c.Code, c.TokenAmount, c.MaxUses, c.ExpiryDate, c.IsActive, c.CreatedBy,
	).Scan(&c.ID, &c.UsedCount, &c.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return ErrCouponExists
		}
		return fmt.Errorf("inserting coupon: %w", err)
	}
	return nil
}

// List returns coupons newest first.
func (r *CouponRepository) List(ctx context.Context, limit int) ([]Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	defer rows.Close()

	var out []Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning coupon: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

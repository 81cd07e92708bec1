package feedback

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, f *Feedback) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO feedback (id, user_id, type, message)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		f.ID, f.UserID, string(f.Type), f.Message,
	).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return nil
}

// List returns the newest feedback first, optionally filtered by type.
func (r *Repository) List(ctx context.Context, typ Type, limit, offset int) ([]Feedback, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback WHERE ($1::text = '' OR type = $1::text)`, string(typ),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting feedback: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id::text, user_id, type, message, created_at
		 FROM feedback
		 WHERE ($1::text = '' OR type = $1::text)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, string(typ), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing feedback: %w", err)
	}
	defer rows.Close()

	var items []Feedback
	for rows.Next() {
		var f Feedback
		var kind string
		if err := rows.Scan(&f.ID, &f.UserID, &kind, &f.Message, &f.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning feedback: %w", err)
		}
		f.Type = Type(kind)
		items = append(items, f)
	}
	return items, total, rows.Err()
}

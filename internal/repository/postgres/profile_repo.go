package postgres

import (
	"context"
	"errors"
	"fmt"

	"agency-portal-backend/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool the repository needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type profileRepo struct {
	db DBTX
}

func NewProfileRepository(db DBTX) domain.ProfileRepository {
	return &profileRepo{db: db}
}

func (r *profileRepo) GetByID(ctx context.Context, id string) (*domain.ProfileRow, error) {
	query := `SELECT id, full_name, is_admin, phone, company, updated_at
              FROM profiles WHERE id = $1`

	var row domain.ProfileRow
	err := r.db.QueryRow(ctx, query, id).Scan(
		&row.ID, &row.FullName, &row.IsAdmin, &row.Phone, &row.Company, &row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProfileNotFound
		}
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return &row, nil
}

// Upsert creates the row on first write. Nil fields keep the stored value.
func (r *profileRepo) Upsert(ctx context.Context, id string, update domain.ProfileUpdate) error {
	query := `INSERT INTO profiles (id, full_name, phone, company, updated_at)
              VALUES ($1, $2, $3, $4, NOW())
              ON CONFLICT (id) DO UPDATE SET
                full_name  = COALESCE(EXCLUDED.full_name, profiles.full_name),
                phone      = COALESCE(EXCLUDED.phone, profiles.phone),
                company    = COALESCE(EXCLUDED.company, profiles.company),
                updated_at = NOW()`

	if _, err := r.db.Exec(ctx, query, id, update.FullName, update.Phone, update.Company); err != nil {
		return fmt.Errorf("upsert profile %s: %w", id, err)
	}
	return nil
}

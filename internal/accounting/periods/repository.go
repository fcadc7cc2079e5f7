package periods

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// ErrPeriodNotFound indicates no fiscal period covers the requested date.
var ErrPeriodNotFound = errors.New("periods: no period covers date")

type Repository interface {
	FindPeriodByDate(ctx context.Context, orgID uuid.UUID, date time.Time) (FiscalPeriod, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// FindPeriodByDate returns the period covering date regardless of its status.
func (r *repository) FindPeriodByDate(ctx context.Context, orgID uuid.UUID, date time.Time) (FiscalPeriod, error) {
	var period FiscalPeriod
	err := db.Conn(ctx, r.db).QueryRow(ctx, `SELECT id, org_id, code, starts_at, ends_at, status, closed_at, closed_by, created_at, updated_at
FROM fiscal_periods WHERE org_id=$1 AND starts_at <= $2 AND $2 < ends_at ORDER BY starts_at DESC LIMIT 1`, orgID, date).
		Scan(&period.ID, &period.OrgID, &period.Code, &period.StartsAt, &period.EndsAt, &period.Status, &period.ClosedAt, &period.ClosedBy, &period.CreatedAt, &period.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalPeriod{}, ErrPeriodNotFound
		}
		return FiscalPeriod{}, err
	}
	return period, nil
}

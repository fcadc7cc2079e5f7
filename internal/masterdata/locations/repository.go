package locations

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// Repository reads stock locations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, org_id, branch_id, code, name, type, is_active, created_at`

// Get returns a location by id.
func (r *Repository) Get(ctx context.Context, orgID, id uuid.UUID) (Location, error) {
	return r.one(ctx, `SELECT `+columns+` FROM stock_locations WHERE org_id=$1 AND id=$2`, orgID, id)
}

// FindByCode returns the active location with the code.
func (r *Repository) FindByCode(ctx context.Context, orgID, branchID uuid.UUID, code string) (Location, error) {
	return r.one(ctx, `SELECT `+columns+` FROM stock_locations
WHERE org_id=$1 AND branch_id=$2 AND code=$3 AND is_active`, orgID, branchID, code)
}

// FindByType returns the oldest active location of the type.
func (r *Repository) FindByType(ctx context.Context, orgID, branchID uuid.UUID, locationType string) (Location, error) {
	return r.one(ctx, `SELECT `+columns+` FROM stock_locations
WHERE org_id=$1 AND branch_id=$2 AND type=$3 AND is_active ORDER BY created_at, code LIMIT 1`, orgID, branchID, locationType)
}

// ListActive returns the branch's active locations, oldest first.
func (r *Repository) ListActive(ctx context.Context, orgID, branchID uuid.UUID) ([]Location, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+columns+` FROM stock_locations
WHERE org_id=$1 AND branch_id=$2 AND is_active ORDER BY created_at, code`, orgID, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Location
	for rows.Next() {
		loc, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func (r *Repository) one(ctx context.Context, query string, args ...any) (Location, error) {
	loc, err := scan(db.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, ErrNotFound
	}
	return loc, err
}

func scan(row pgx.Row) (Location, error) {
	var l Location
	err := row.Scan(&l.ID, &l.OrgID, &l.BranchID, &l.Code, &l.Name, &l.Type, &l.IsActive, &l.CreatedAt)
	return l, err
}

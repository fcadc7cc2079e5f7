package recipes

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// Repository reads active recipes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByTarget returns the active recipe of a target, or nil when none exists.
func (r *Repository) GetByTarget(ctx context.Context, orgID uuid.UUID, targetType string, targetID uuid.UUID) (*Recipe, error) {
	conn := db.Conn(ctx, r.pool)
	recipe := Recipe{TargetType: targetType, TargetID: targetID}
	err := conn.QueryRow(ctx, `SELECT id, name FROM recipes
WHERE org_id=$1 AND target_type=$2 AND target_id=$3 AND is_active`, orgID, targetType, targetID).Scan(&recipe.ID, &recipe.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rows, err := conn.Query(ctx, `SELECT id, inventory_item_id, qty_base FROM recipe_lines WHERE recipe_id=$1 ORDER BY id`, recipe.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.InventoryItemID, &line.QtyBase); err != nil {
			return nil, err
		}
		recipe.Lines = append(recipe.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &recipe, nil
}

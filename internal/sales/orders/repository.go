package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// Repository reads orders and records their COGS total.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads an order with its lines.
func (r *Repository) Get(ctx context.Context, orgID, orderID uuid.UUID) (Order, error) {
	conn := db.Conn(ctx, r.pool)
	var (
		o      Order
		status string
	)
	err := conn.QueryRow(ctx, `SELECT id, org_id, branch_id, number, status, closed_at, cogs_total
FROM pos_orders WHERE org_id=$1 AND id=$2`, orgID, orderID).
		Scan(&o.ID, &o.OrgID, &o.BranchID, &o.Number, &status, &o.ClosedAt, &o.CogsTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	o.Status = Status(status)

	rows, err := conn.Query(ctx, `SELECT id, menu_item_id, name, qty, line_no FROM pos_order_lines
WHERE order_id=$1 ORDER BY line_no, id`, orderID)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.MenuItemID, &line.Name, &line.Qty, &line.LineNo); err != nil {
			return Order{}, err
		}
		o.Lines = append(o.Lines, line)
	}
	return o, rows.Err()
}

// SetCogsTotal stores the COGS figure of a depleted order.
func (r *Repository) SetCogsTotal(ctx context.Context, orgID, orderID uuid.UUID, total decimal.Decimal) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE pos_orders SET cogs_total=$3 WHERE org_id=$1 AND id=$2`, orgID, orderID, total)
	return err
}

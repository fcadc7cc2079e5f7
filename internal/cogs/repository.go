package cogs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// PgRepository persists breakdowns in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const breakdownColumns = `id, org_id, depletion_id, order_id, branch_id, item_id, qty_depleted, unit_cost, line_cogs,
computed_at, deleted_at, deleted_by, delete_reason`

func (r *PgRepository) FindLive(ctx context.Context, depletionID, itemID uuid.UUID) (Breakdown, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+breakdownColumns+` FROM cost_breakdowns
WHERE depletion_id=$1 AND item_id=$2 AND deleted_at IS NULL`, depletionID, itemID)
	b, err := scanBreakdown(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Breakdown{}, ErrBreakdownNotFound
		}
		return Breakdown{}, err
	}
	return b, nil
}

func (r *PgRepository) Insert(ctx context.Context, b Breakdown) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO cost_breakdowns
(id, org_id, depletion_id, order_id, branch_id, item_id, qty_depleted, unit_cost, line_cogs, computed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (depletion_id, item_id) WHERE deleted_at IS NULL DO NOTHING`,
		b.ID, b.OrgID, b.DepletionID, b.OrderID, b.BranchID, b.ItemID, b.QtyDepleted, b.UnitCost, b.LineCogs, b.ComputedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Breakdown, error) {
	clauses := []string{"org_id=$1"}
	args := []any{filter.OrgID}
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.BranchID != nil {
		add("branch_id=$%d", *filter.BranchID)
	}
	if filter.DepletionID != nil {
		add("depletion_id=$%d", *filter.DepletionID)
	}
	if !filter.From.IsZero() {
		add("computed_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("computed_at < $%d", filter.To)
	}
	if !filter.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+breakdownColumns+` FROM cost_breakdowns WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY computed_at, item_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Breakdown
	for rows.Next() {
		b, err := scanBreakdown(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PgRepository) SoftDeleteByDepletion(ctx context.Context, depletionID uuid.UUID, tomb Tombstone) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE cost_breakdowns SET deleted_at=$2, deleted_by=$3, delete_reason=$4
WHERE depletion_id=$1 AND deleted_at IS NULL`, depletionID, tomb.At, tomb.By, tomb.Reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// OrderCogsTotal sums the COGS figure tracked on the given orders. It returns
// nil when none of them carries one.
func (r *PgRepository) OrderCogsTotal(ctx context.Context, orgID uuid.UUID, orderIDs []uuid.UUID) (*decimal.Decimal, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	var total decimal.NullDecimal
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT SUM(cogs_total) FROM pos_orders WHERE org_id=$1 AND id = ANY($2)`,
		orgID, orderIDs).Scan(&total)
	if err != nil {
		return nil, err
	}
	if !total.Valid {
		return nil, nil
	}
	return &total.Decimal, nil
}

// ListScopes returns every (org, branch) pair with live breakdowns computed in
// [from, to).
func (r *PgRepository) ListScopes(ctx context.Context, from, to time.Time) ([]Scope, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT DISTINCT org_id, branch_id FROM cost_breakdowns
WHERE deleted_at IS NULL AND computed_at >= $1 AND computed_at < $2 ORDER BY org_id, branch_id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Scope
	for rows.Next() {
		var s Scope
		if err := rows.Scan(&s.OrgID, &s.BranchID); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanBreakdown(row pgx.Row) (Breakdown, error) {
	var (
		b         Breakdown
		deletedAt *time.Time
		deletedBy *uuid.UUID
		reason    *string
	)
	if err := row.Scan(&b.ID, &b.OrgID, &b.DepletionID, &b.OrderID, &b.BranchID, &b.ItemID, &b.QtyDepleted, &b.UnitCost,
		&b.LineCogs, &b.ComputedAt, &deletedAt, &deletedBy, &reason); err != nil {
		return Breakdown{}, err
	}
	if deletedAt != nil {
		b.Deleted = &Tombstone{At: *deletedAt, By: deletedBy}
		if reason != nil {
			b.Deleted.Reason = *reason
		}
	}
	return b, nil
}

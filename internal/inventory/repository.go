package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// Repository persists ledger entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, org_id, branch_id, item_id, location_id, qty, reason, source_type, source_id, idempotency_key, effective_at, metadata, created_at`

func (r *Repository) FindByIdempotencyKey(ctx context.Context, orgID, branchID uuid.UUID, sourceType, sourceID, key string) (LedgerEntry, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries
WHERE org_id=$1 AND branch_id=$2 AND source_type=$3 AND source_id=$4 AND idempotency_key=$5`, orgID, branchID, sourceType, sourceID, key)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, ErrEntryNotFound
		}
		return LedgerEntry{}, err
	}
	return entry, nil
}

func (r *Repository) SumQty(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COALESCE(SUM(qty), 0) FROM stock_ledger_entries WHERE org_id=$1 AND branch_id=$2 AND item_id=$3`,
		orgID, branchID, itemID).Scan(&qty)
	return qty, err
}

func (r *Repository) Insert(ctx context.Context, entry LedgerEntry) (bool, error) {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return false, err
	}
	if entry.Metadata == nil {
		meta = []byte("{}")
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO stock_ledger_entries (`+entryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT ON CONSTRAINT uq_stock_ledger_idempotency DO NOTHING`,
		entry.ID, entry.OrgID, entry.BranchID, entry.ItemID, entry.LocationID, entry.Qty, string(entry.Reason),
		entry.SourceType, entry.SourceID, entry.IdempotencyKey, entry.EffectiveAt, meta, entry.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) LockKey(ctx context.Context, key string) error {
	return db.LockKey(ctx, key)
}

func (r *Repository) CountBySource(ctx context.Context, orgID uuid.UUID, sourceType, sourceID string) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM stock_ledger_entries WHERE org_id=$1 AND source_type=$2 AND source_id=$3`,
		orgID, sourceType, sourceID).Scan(&n)
	return n, err
}

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var (
		e      LedgerEntry
		reason string
		meta   []byte
	)
	if err := row.Scan(&e.ID, &e.OrgID, &e.BranchID, &e.ItemID, &e.LocationID, &e.Qty, &reason, &e.SourceType, &e.SourceID,
		&e.IdempotencyKey, &e.EffectiveAt, &meta, &e.CreatedAt); err != nil {
		return LedgerEntry{}, err
	}
	e.Reason = Reason(reason)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return LedgerEntry{}, fmt.Errorf("inventory: decode metadata of entry %s: %w", e.ID, err)
		}
	}
	return e, nil
}

package costing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// PgRepository persists cost layers in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const layerColumns = `id, org_id, branch_id, item_id, location_id, qty_received, unit_cost, prior_wac, new_wac,
source_type, source_id, effective_at, created_by, metadata, created_at`

func (r *PgRepository) LatestLayer(ctx context.Context, orgID, branchID, itemID uuid.UUID) (CostLayer, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+layerColumns+` FROM cost_layers
WHERE org_id=$1 AND branch_id=$2 AND item_id=$3
ORDER BY effective_at DESC, created_at DESC LIMIT 1`, orgID, branchID, itemID)
	return scanLayerRow(row)
}

func (r *PgRepository) FindBySource(ctx context.Context, orgID, branchID, itemID uuid.UUID, sourceType, sourceID string) (CostLayer, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+layerColumns+` FROM cost_layers
WHERE org_id=$1 AND branch_id=$2 AND item_id=$3 AND source_type=$4 AND source_id=$5`, orgID, branchID, itemID, sourceType, sourceID)
	return scanLayerRow(row)
}

func (r *PgRepository) InsertLayer(ctx context.Context, layer CostLayer) (bool, error) {
	meta := []byte("{}")
	if layer.Metadata != nil {
		var err error
		if meta, err = json.Marshal(layer.Metadata); err != nil {
			return false, err
		}
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO cost_layers (`+layerColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT ON CONSTRAINT uq_cost_layers_source DO NOTHING`,
		layer.ID, layer.OrgID, layer.BranchID, layer.ItemID, layer.LocationID, layer.QtyReceived, layer.UnitCost,
		layer.PriorWac, layer.NewWac, layer.SourceType, layer.SourceID, layer.EffectiveAt, layer.CreatedBy, meta, layer.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ListLayers(ctx context.Context, orgID, branchID, itemID uuid.UUID, limit int) ([]CostLayer, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+layerColumns+` FROM cost_layers
WHERE org_id=$1 AND branch_id=$2 AND item_id=$3
ORDER BY effective_at DESC, created_at DESC LIMIT $4`, orgID, branchID, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var layers []CostLayer
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func (r *PgRepository) ListCostedItems(ctx context.Context, orgID, branchID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT item_id FROM cost_layers WHERE org_id=$1 AND branch_id=$2
UNION
SELECT item_id FROM stock_ledger_entries WHERE org_id=$1 AND branch_id=$2`, orgID, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgRepository) LockKey(ctx context.Context, key string) error {
	return db.LockKey(ctx, key)
}

func scanLayerRow(row pgx.Row) (CostLayer, error) {
	layer, err := scanLayer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CostLayer{}, ErrLayerNotFound
		}
		return CostLayer{}, err
	}
	return layer, nil
}

func scanLayer(row pgx.Row) (CostLayer, error) {
	var (
		layer CostLayer
		meta  []byte
	)
	if err := row.Scan(&layer.ID, &layer.OrgID, &layer.BranchID, &layer.ItemID, &layer.LocationID, &layer.QtyReceived,
		&layer.UnitCost, &layer.PriorWac, &layer.NewWac, &layer.SourceType, &layer.SourceID, &layer.EffectiveAt,
		&layer.CreatedBy, &meta, &layer.CreatedAt); err != nil {
		return CostLayer{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &layer.Metadata); err != nil {
			return CostLayer{}, fmt.Errorf("costing: decode metadata of layer %s: %w", layer.ID, err)
		}
	}
	return layer, nil
}

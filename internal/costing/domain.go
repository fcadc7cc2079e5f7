package costing

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source types used for cost layers created by this module.
const (
	SourceReceipt     = "RECEIPT"
	SourceInitialSeed = "INITIAL_SEED"
	SourceAdjustment  = "ADJUSTMENT"
	SourceReturn      = "RETURN"
)

// Scale is the number of fractional digits persisted for quantities and costs.
const Scale int32 = 4

var (
	// ErrLayerNotFound indicates no cost layer matched the lookup.
	ErrLayerNotFound = errors.New("costing: cost layer not found")
	// ErrInvalidInput is returned when a request fails validation.
	ErrInvalidInput = errors.New("costing: invalid input")
	// ErrLockTimeout indicates the item lock could not be acquired in time.
	ErrLockTimeout = errors.New("costing: item lock not obtained")
)

// CostLayer is one immutable WAC recomputation.
type CostLayer struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	BranchID    uuid.UUID
	ItemID      uuid.UUID
	LocationID  *uuid.UUID
	QtyReceived decimal.Decimal
	UnitCost    decimal.Decimal
	PriorWac    decimal.Decimal
	NewWac      decimal.Decimal
	SourceType  string
	SourceID    string
	EffectiveAt time.Time
	CreatedBy   *uuid.UUID
	Metadata    map[string]any
	CreatedAt   time.Time
}

// CostLayerInput is the request for CreateCostLayer.
type CostLayerInput struct {
	ItemID      uuid.UUID       `json:"item_id" validate:"required"`
	LocationID  *uuid.UUID      `json:"location_id,omitempty"`
	QtyReceived decimal.Decimal `json:"qty_received"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	SourceType  string          `json:"source_type" validate:"required,max=64"`
	SourceID    string          `json:"source_id" validate:"required,max=128"`
	EffectiveAt *time.Time      `json:"effective_at,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// CostLayerResult is returned from CreateCostLayer.
type CostLayerResult struct {
	ID           uuid.UUID       `json:"id"`
	ItemID       uuid.UUID       `json:"item_id"`
	PriorWac     decimal.Decimal `json:"prior_wac"`
	NewWac       decimal.Decimal `json:"new_wac"`
	QtyReceived  decimal.Decimal `json:"qty_received"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	EffectiveAt  time.Time       `json:"effective_at"`
	IsIdempotent bool            `json:"is_idempotent"`
}

// ReceiptInput records a priced stock receipt: a cost layer and the matching
// inbound ledger movement.
type ReceiptInput struct {
	ItemID      uuid.UUID       `json:"item_id" validate:"required"`
	LocationID  uuid.UUID       `json:"location_id" validate:"required"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	SourceID    string          `json:"source_id" validate:"required,max=128"`
	EffectiveAt *time.Time      `json:"effective_at,omitempty"`
}

// SeedInput sets the opening WAC of an item.
type SeedInput struct {
	ItemID      uuid.UUID       `json:"item_id" validate:"required"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	EffectiveAt *time.Time      `json:"effective_at,omitempty"`
}

// ValuationFilter narrows GetValuation.
type ValuationFilter struct {
	IncludeZeroStock bool
}

// ValuationLine is the value of one item.
type ValuationLine struct {
	ItemID    uuid.UUID       `json:"item_id"`
	OnHandQty decimal.Decimal `json:"on_hand_qty"`
	Wac       decimal.Decimal `json:"wac"`
	Value     decimal.Decimal `json:"value"`
}

// Valuation is the inventory value of a branch.
type Valuation struct {
	OrgID      uuid.UUID       `json:"org_id"`
	BranchID   uuid.UUID       `json:"branch_id"`
	Lines      []ValuationLine `json:"lines"`
	TotalValue decimal.Decimal `json:"total_value"`
	AsOf       time.Time       `json:"as_of"`
}

func resultFromLayer(layer CostLayer, idempotent bool) CostLayerResult {
	return CostLayerResult{
		ID:           layer.ID,
		ItemID:       layer.ItemID,
		PriorWac:     layer.PriorWac,
		NewWac:       layer.NewWac,
		QtyReceived:  layer.QtyReceived,
		UnitCost:     layer.UnitCost,
		EffectiveAt:  layer.EffectiveAt,
		IsIdempotent: idempotent,
	}
}

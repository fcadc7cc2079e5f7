package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reason enumerates why stock moved.
type Reason string

const (
	// ReasonSale is an outbound movement consumed by a sales order.
	ReasonSale Reason = "SALE"
	// ReasonReceipt is an inbound purchase receipt.
	ReasonReceipt Reason = "RECEIPT"
	// ReasonAdjustment indicates manual adjustments.
	ReasonAdjustment Reason = "ADJUSTMENT"
	// ReasonWaste records spoilage or waste.
	ReasonWaste Reason = "WASTE"
	// ReasonTransfer is one leg of a location transfer.
	ReasonTransfer Reason = "TRANSFER"
)

// LedgerEntry is one append-only signed stock movement.
type LedgerEntry struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	BranchID       uuid.UUID
	ItemID         uuid.UUID
	LocationID     uuid.UUID
	Qty            decimal.Decimal
	Reason         Reason
	SourceType     string
	SourceID       string
	IdempotencyKey string
	EffectiveAt    time.Time
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Movement describes a movement to append.
type Movement struct {
	ItemID         uuid.UUID
	LocationID     uuid.UUID
	Qty            decimal.Decimal
	Reason         Reason
	SourceType     string
	SourceID       string
	IdempotencyKey string
	EffectiveAt    time.Time
	Metadata       map[string]any
}

// AppendOptions tunes Append.
type AppendOptions struct {
	AllowNegative bool
}

// InsufficientStockError reports a movement that drives on-hand below zero.
// With AllowNegative the movement is still persisted and Entry is populated.
type InsufficientStockError struct {
	ItemID    uuid.UUID
	OnHand    decimal.Decimal
	Requested decimal.Decimal
	Posted    bool
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for item %s: on hand %s, requested %s",
		e.ItemID, e.OnHand.String(), e.Requested.String())
}

// Is lets errors.Is(err, ErrInsufficientStock) match.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ErrInsufficientStock matches every InsufficientStockError.
var ErrInsufficientStock = errors.New("inventory: insufficient stock")

// ErrInvalidQuantity indicates invalid qty.
var ErrInvalidQuantity = errors.New("inventory: quantity must be non zero")

// ErrEntryNotFound indicates no entry matched an idempotency key.
var ErrEntryNotFound = errors.New("inventory: ledger entry not found")

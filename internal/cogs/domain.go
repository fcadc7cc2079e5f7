package cogs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrBreakdownNotFound indicates no live breakdown matched.
var ErrBreakdownNotFound = errors.New("cogs: breakdown not found")

// ErrInvalidInput indicates a malformed request.
var ErrInvalidInput = errors.New("cogs: invalid input")

// Tombstone marks a breakdown as logically deleted.
type Tombstone struct {
	At     time.Time  `json:"at"`
	By     *uuid.UUID `json:"by,omitempty"`
	Reason string     `json:"reason"`
}

// Breakdown is the cost attributed to one item of one depletion.
type Breakdown struct {
	ID          uuid.UUID       `json:"id"`
	OrgID       uuid.UUID       `json:"org_id"`
	DepletionID uuid.UUID       `json:"depletion_id"`
	OrderID     uuid.UUID       `json:"order_id"`
	BranchID    uuid.UUID       `json:"branch_id"`
	ItemID      uuid.UUID       `json:"item_id"`
	QtyDepleted decimal.Decimal `json:"qty_depleted"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	LineCogs    decimal.Decimal `json:"line_cogs"`
	ComputedAt  time.Time       `json:"computed_at"`
	Deleted     *Tombstone      `json:"deleted,omitempty"`
}

// IsDeleted reports whether the row carries a tombstone.
func (b Breakdown) IsDeleted() bool { return b.Deleted != nil }

// ItemQty is the quantity of one item consumed by a depletion.
type ItemQty struct {
	ItemID uuid.UUID
	Qty    decimal.Decimal
}

// RecordInput is the request for RecordCogsBreakdown.
type RecordInput struct {
	OrgID       uuid.UUID
	DepletionID uuid.UUID
	OrderID     uuid.UUID
	BranchID    uuid.UUID
	EffectiveAt time.Time
	Items       []ItemQty
}

// RecordResult carries the recorded breakdowns and their total.
type RecordResult struct {
	TotalCogs  decimal.Decimal
	Breakdowns []Breakdown
}

// ListFilter narrows breakdown reads. Tombstoned rows are excluded unless
// IncludeDeleted is set.
type ListFilter struct {
	OrgID          uuid.UUID
	BranchID       *uuid.UUID
	DepletionID    *uuid.UUID
	From           time.Time
	To             time.Time
	IncludeDeleted bool
}

// Scope is one org and branch pair.
type Scope struct {
	OrgID    uuid.UUID
	BranchID uuid.UUID
}

// ReportFilter narrows GetCogsReport.
type ReportFilter struct {
	OrgID          uuid.UUID
	BranchID       *uuid.UUID
	From           time.Time
	To             time.Time
	OrderCogsTotal *decimal.Decimal
}

// ItemSummary aggregates breakdowns per item.
type ItemSummary struct {
	ItemID      uuid.UUID       `json:"item_id"`
	QtyDepleted decimal.Decimal `json:"qty_depleted"`
	TotalCogs   decimal.Decimal `json:"total_cogs"`
	AvgUnitCost decimal.Decimal `json:"avg_unit_cost"`
	Lines       int             `json:"lines"`
}

// Report is the COGS report for a period.
type Report struct {
	OrgID          uuid.UUID       `json:"org_id"`
	BranchID       *uuid.UUID      `json:"branch_id,omitempty"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	Lines          []Breakdown     `json:"lines"`
	Items          []ItemSummary   `json:"items"`
	TotalCogs      decimal.Decimal `json:"total_cogs"`
	Reconciliation Reconciliation  `json:"reconciliation"`
}

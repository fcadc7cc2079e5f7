package cogs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
)

// Repository abstracts breakdown persistence.
type Repository interface {
	FindLive(ctx context.Context, depletionID, itemID uuid.UUID) (Breakdown, error)
	// Insert returns inserted=false when a live row for (depletion, item) exists.
	Insert(ctx context.Context, b Breakdown) (inserted bool, err error)
	List(ctx context.Context, filter ListFilter) ([]Breakdown, error)
	SoftDeleteByDepletion(ctx context.Context, depletionID uuid.UUID, tomb Tombstone) (int64, error)
	// OrderCogsTotal sums the COGS tracked on the given orders. It returns nil
	// when none of them carries one.
	OrderCogsTotal(ctx context.Context, orgID uuid.UUID, orderIDs []uuid.UUID) (*decimal.Decimal, error)
}

// WacSource supplies the WAC in effect for an item.
type WacSource interface {
	GetCurrentWac(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error)
}

// PeriodGuard rejects writes dated inside closed fiscal periods.
type PeriodGuard interface {
	AssertPeriodOpen(ctx context.Context, input periods.GuardInput) error
}

// TxRunner opens a unit of work.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(context.Context) error) error
}

// Recorder snapshots per-item cost for depletions.
type Recorder struct {
	repo   Repository
	wac    WacSource
	guard  PeriodGuard
	tx     TxRunner
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder(repo Repository, wac WacSource, guard PeriodGuard, tx TxRunner, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, wac: wac, guard: guard, tx: tx, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (r *Recorder) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// RecordCogsBreakdown records one row per item with positive quantity. An item
// that already has a live row keeps its stored cost, so replays never double count.
func (r *Recorder) RecordCogsBreakdown(ctx context.Context, input RecordInput) (RecordResult, error) {
	if input.OrgID == uuid.Nil || input.DepletionID == uuid.Nil || input.OrderID == uuid.Nil || input.BranchID == uuid.Nil {
		return RecordResult{}, fmt.Errorf("%w: org, depletion, order and branch required", ErrInvalidInput)
	}
	effectiveAt := input.EffectiveAt
	if effectiveAt.IsZero() {
		effectiveAt = r.now().UTC()
	}
	if err := r.guard.AssertPeriodOpen(ctx, periods.GuardInput{OrgID: input.OrgID, RecordDate: effectiveAt, Operation: "cogs.record"}); err != nil {
		return RecordResult{}, err
	}

	items := aggregate(input.Items)
	result := RecordResult{TotalCogs: decimal.Zero}
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, item := range items {
			row, err := r.recordItem(ctx, input, item, effectiveAt)
			if err != nil {
				return err
			}
			result.TotalCogs = result.TotalCogs.Add(row.LineCogs)
			result.Breakdowns = append(result.Breakdowns, row)
		}
		return nil
	})
	if err != nil {
		return RecordResult{}, err
	}
	r.logger.DebugContext(ctx, "cogs recorded",
		slog.String("depletion_id", input.DepletionID.String()),
		slog.Int("lines", len(result.Breakdowns)),
		slog.String("total_cogs", result.TotalCogs.String()),
	)
	return result, nil
}

func (r *Recorder) recordItem(ctx context.Context, input RecordInput, item ItemQty, computedAt time.Time) (Breakdown, error) {
	existing, err := r.repo.FindLive(ctx, input.DepletionID, item.ItemID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrBreakdownNotFound) {
		return Breakdown{}, err
	}
	unitCost, err := r.wac.GetCurrentWac(ctx, input.OrgID, input.BranchID, item.ItemID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("cogs: wac for item %s: %w", item.ItemID, err)
	}
	row := Breakdown{
		ID:          uuid.New(),
		OrgID:       input.OrgID,
		DepletionID: input.DepletionID,
		OrderID:     input.OrderID,
		BranchID:    input.BranchID,
		ItemID:      item.ItemID,
		QtyDepleted: item.Qty,
		UnitCost:    unitCost,
		LineCogs:    item.Qty.Mul(unitCost),
		ComputedAt:  computedAt,
	}
	inserted, err := r.repo.Insert(ctx, row)
	if err != nil {
		return Breakdown{}, fmt.Errorf("cogs: insert breakdown: %w", err)
	}
	if !inserted {
		return r.repo.FindLive(ctx, input.DepletionID, item.ItemID)
	}
	return row, nil
}

// SoftDeleteByDepletion tombstones every live row of the depletion.
func (r *Recorder) SoftDeleteByDepletion(ctx context.Context, depletionID uuid.UUID, tomb Tombstone) (int64, error) {
	if depletionID == uuid.Nil {
		return 0, fmt.Errorf("%w: depletion required", ErrInvalidInput)
	}
	if tomb.At.IsZero() {
		tomb.At = r.now().UTC()
	}
	return r.repo.SoftDeleteByDepletion(ctx, depletionID, tomb)
}

// ListByDepletion returns the live rows of a depletion.
func (r *Recorder) ListByDepletion(ctx context.Context, orgID, depletionID uuid.UUID) ([]Breakdown, error) {
	return r.repo.List(ctx, ListFilter{OrgID: orgID, DepletionID: &depletionID})
}

func aggregate(items []ItemQty) []ItemQty {
	totals := make(map[uuid.UUID]decimal.Decimal, len(items))
	for _, item := range items {
		if item.ItemID == uuid.Nil || !item.Qty.IsPositive() {
			continue
		}
		totals[item.ItemID] = totals[item.ItemID].Add(item.Qty)
	}
	out := make([]ItemQty, 0, len(totals))
	for id, qty := range totals {
		out = append(out, ItemQty{ItemID: id, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID.String() < out[j].ItemID.String() })
	return out
}

package cogs

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reporter builds COGS reports from live breakdowns.
type Reporter struct {
	repo       Repository
	reconciler *Reconciler
}

// NewReporter constructs a Reporter.
func NewReporter(repo Repository, reconciler *Reconciler) *Reporter {
	return &Reporter{repo: repo, reconciler: reconciler}
}

// GetCogsReport returns lines, a per-item summary, and a reconciliation for the
// range [From, To). When the filter carries no order COGS total, the figure
// tracked on the orders behind the lines in range is used, so both sides of
// the reconciliation cover the same depletions.
func (r *Reporter) GetCogsReport(ctx context.Context, filter ReportFilter) (Report, error) {
	if filter.OrgID == uuid.Nil {
		return Report{}, fmt.Errorf("%w: org required", ErrInvalidInput)
	}
	if filter.From.IsZero() || filter.To.IsZero() || !filter.From.Before(filter.To) {
		return Report{}, fmt.Errorf("%w: from must be before to", ErrInvalidInput)
	}
	lines, err := r.repo.List(ctx, ListFilter{OrgID: filter.OrgID, BranchID: filter.BranchID, From: filter.From, To: filter.To})
	if err != nil {
		return Report{}, err
	}
	orderTotal := filter.OrderCogsTotal
	if orderTotal == nil {
		orderTotal, err = r.repo.OrderCogsTotal(ctx, filter.OrgID, orderIDs(lines))
		if err != nil {
			return Report{}, err
		}
	}

	report := Report{
		OrgID:     filter.OrgID,
		BranchID:  filter.BranchID,
		From:      filter.From,
		To:        filter.To,
		Lines:     lines,
		Items:     summarise(lines),
		TotalCogs: decimal.Zero,
	}
	for _, line := range lines {
		report.TotalCogs = report.TotalCogs.Add(line.LineCogs)
	}
	report.Reconciliation = r.reconciler.Reconcile(ctx, lines, orderTotal)
	return report, nil
}

func orderIDs(lines []Breakdown) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(lines))
	var ids []uuid.UUID
	for _, line := range lines {
		if _, ok := seen[line.OrderID]; ok {
			continue
		}
		seen[line.OrderID] = struct{}{}
		ids = append(ids, line.OrderID)
	}
	return ids
}

func summarise(lines []Breakdown) []ItemSummary {
	index := make(map[uuid.UUID]int)
	var items []ItemSummary
	for _, line := range lines {
		i, ok := index[line.ItemID]
		if !ok {
			i = len(items)
			index[line.ItemID] = i
			items = append(items, ItemSummary{ItemID: line.ItemID, QtyDepleted: decimal.Zero, TotalCogs: decimal.Zero})
		}
		items[i].QtyDepleted = items[i].QtyDepleted.Add(line.QtyDepleted)
		items[i].TotalCogs = items[i].TotalCogs.Add(line.LineCogs)
		items[i].Lines++
	}
	for i := range items {
		if items[i].QtyDepleted.IsPositive() {
			items[i].AvgUnitCost = items[i].TotalCogs.DivRound(items[i].QtyDepleted, 4)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TotalCogs.GreaterThan(items[j].TotalCogs) })
	return items
}

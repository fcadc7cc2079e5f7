package depletion_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/cogs"
	"github.com/odyssey-erp/odyssey-costing/internal/costing"
	"github.com/odyssey-erp/odyssey-costing/internal/depletion"
	"github.com/odyssey-erp/odyssey-costing/internal/integration"
	"github.com/odyssey-erp/odyssey-costing/internal/inventory"
	"github.com/odyssey-erp/odyssey-costing/internal/masterdata/locations"
	"github.com/odyssey-erp/odyssey-costing/internal/recipes"
	"github.com/odyssey-erp/odyssey-costing/internal/sales/orders"
	"github.com/odyssey-erp/odyssey-costing/internal/testing/memstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// switchGuard reports a closed period for one operation and defers to the
// real guard otherwise.
type switchGuard struct {
	inner  *periods.Guard
	mu     sync.Mutex
	closed string
}

func (g *switchGuard) AssertPeriodOpen(ctx context.Context, in periods.GuardInput) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed != "" && in.Operation == closed {
		return &periods.ClosedError{Code: periods.CodePeriodClosed, PeriodID: uuid.New(), Operation: in.Operation}
	}
	return g.inner.AssertPeriodOpen(ctx, in)
}

func (g *switchGuard) closeFor(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = op
}

type harness struct {
	store     *memstore.Store
	clock     *clock
	guard     *switchGuard
	ledger    *inventory.Ledger
	costs     *costing.Store
	svc       *depletion.Service
	org       uuid.UUID
	branch    uuid.UUID
	user      uuid.UUID
	kitchen   uuid.UUID
	burger    uuid.UUID
	bun       uuid.UUID
	patty     uuid.UUID
	cogsAcct  uuid.UUID
	stockAcct uuid.UUID
}

type option func(*depletion.Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		store:     memstore.New(),
		clock:     &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
		org:       uuid.New(),
		branch:    uuid.New(),
		user:      uuid.New(),
		kitchen:   uuid.New(),
		burger:    uuid.New(),
		bun:       uuid.New(),
		patty:     uuid.New(),
		cogsAcct:  uuid.New(),
		stockAcct: uuid.New(),
	}
	h.guard = &switchGuard{inner: periods.NewGuard(h.store.Periods())}
	h.ledger = inventory.NewLedger(h.store.Ledger(), h.store)
	h.ledger.WithNow(h.clock.Now)
	h.costs = costing.NewStore(h.store.Layers(), h.ledger, h.guard, h.store, costing.NewLocalLocker(nil), costing.WithClock(h.clock.Now))
	recorder := cogs.NewRecorder(h.store.Breakdowns(), h.costs, h.guard, h.store, nil)
	recorder.WithNow(h.clock.Now)
	journalSvc := journals.NewService(h.store.Journals(), h.store, h.store, h.guard)
	journalSvc.WithNow(h.clock.Now)

	deps := depletion.Deps{
		Repo:      h.store.Depletions(),
		Orders:    h.store.Orders(),
		Recipes:   h.store.Recipes(),
		Locations: h.store.Locations(),
		Ledger:    h.ledger,
		Cogs:      recorder,
		Guard:     h.guard,
		GL:        integration.NewGLBridge(journalSvc, h.store.Mappings(), time.Second, nil, nil),
		Tx:        h.store,
		Audit:     h.store,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc = depletion.NewService(deps)
	h.svc.WithNow(h.clock.Now)

	h.store.AddLocation(locations.Location{ID: h.kitchen, OrgID: h.org, BranchID: h.branch, Code: locations.CodeKitchen, Type: locations.TypeProduction, IsActive: true})
	h.store.AddRecipe(recipes.Recipe{
		ID:         uuid.New(),
		TargetType: recipes.TargetMenuItem,
		TargetID:   h.burger,
		Name:       "Burger",
		Lines: []recipes.Line{
			{ID: uuid.New(), InventoryItemID: h.bun, QtyBase: decimal.NewFromInt(1)},
			{ID: uuid.New(), InventoryItemID: h.patty, QtyBase: decimal.NewFromInt(1)},
		},
	})
	h.mapAccounts()
	h.receive(t, h.bun, "200", "500", "GRN-BUN")
	h.receive(t, h.patty, "150", "2000", "GRN-PATTY")
	return h
}

func (h *harness) mapAccounts() {
	h.store.AddMapping(mappings.AccountMapping{OrgID: h.org, Module: integration.MappingModule, Key: integration.MappingKeyCogs, AccountID: h.cogsAcct})
	h.store.AddMapping(mappings.AccountMapping{OrgID: h.org, Module: integration.MappingModule, Key: integration.MappingKeyInventory, AccountID: h.stockAcct})
}

func (h *harness) receive(t *testing.T, item uuid.UUID, qty, cost, source string) {
	t.Helper()
	_, err := h.costs.ReceiveStock(context.Background(), h.org, h.branch, h.user, costing.ReceiptInput{
		ItemID:     item,
		LocationID: h.kitchen,
		Qty:        decimal.RequireFromString(qty),
		UnitCost:   decimal.RequireFromString(cost),
		SourceID:   source,
	})
	require.NoError(t, err)
}

func (h *harness) order(status orders.Status, lines ...orders.Line) orders.Order {
	closedAt := h.clock.Now()
	o := orders.Order{ID: uuid.New(), OrgID: h.org, BranchID: h.branch, Number: "POS-1", Status: status, ClosedAt: &closedAt}
	for i, line := range lines {
		if line.ID == uuid.Nil {
			line.ID = uuid.New()
		}
		line.LineNo = i + 1
		o.Lines = append(o.Lines, line)
	}
	h.store.AddOrder(o)
	return o
}

func (h *harness) burgers(qty int64) orders.Order {
	return h.order(orders.StatusClosed, orders.Line{MenuItemID: h.burger, Name: "Burger", Qty: decimal.NewFromInt(qty)})
}

func (h *harness) deplete(t *testing.T, o orders.Order) depletion.DepletionResult {
	t.Helper()
	result, err := h.svc.DepleteForOrder(context.Background(), h.org, o.ID, h.branch, h.user)
	require.NoError(t, err)
	return result
}

func (h *harness) onHand(t *testing.T, item uuid.UUID) decimal.Decimal {
	t.Helper()
	qty, err := h.ledger.OnHandQty(context.Background(), h.org, h.branch, item)
	require.NoError(t, err)
	return qty
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.RequireFromString(want)), "want %s got %s", want, got)
}

func TestDepleteForOrderBurgerScenario(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(2)

	result := h.deplete(t, o)
	d := result.Depletion
	require.False(t, result.IsIdempotent)
	require.Equal(t, depletion.StatusPosted, d.Status)
	require.Equal(t, 2, d.LedgerEntryCount)
	require.NotNil(t, d.PostedAt)
	require.Equal(t, h.kitchen, *d.LocationID)
	requireDecimal(t, "5000", result.TotalCogs)
	require.Empty(t, result.StockErrors)
	require.Equal(t, 1, d.Metadata.ItemsProcessed)
	require.Zero(t, d.Metadata.ItemsSkipped)

	entries := h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String())
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, inventory.ReasonSale, e.Reason)
		requireDecimal(t, "-2", e.Qty)
		require.Equal(t, h.kitchen, e.LocationID)
	}
	requireDecimal(t, "198", h.onHand(t, h.bun))
	requireDecimal(t, "148", h.onHand(t, h.patty))

	byItem := map[uuid.UUID]cogs.Breakdown{}
	for _, b := range h.store.BreakdownRows(d.ID) {
		byItem[b.ItemID] = b
	}
	requireDecimal(t, "1000", byItem[h.bun].LineCogs)
	requireDecimal(t, "4000", byItem[h.patty].LineCogs)

	stored, ok := h.store.Order(o.ID)
	require.True(t, ok)
	requireDecimal(t, "5000", *stored.CogsTotal)

	require.Equal(t, integration.GLStatusPosted, result.GL.Status)
	require.NotNil(t, result.GL.JournalEntryID)
	persisted, err := h.svc.GetByID(context.Background(), h.org, d.ID)
	require.NoError(t, err)
	require.Equal(t, integration.GLStatusPosted, persisted.GLPostingStatus)
	require.Equal(t, result.GL.JournalEntryID.String(), persisted.GLJournalEntryID)
	require.Len(t, h.store.Audits("depletion.posted"), 1)
}

func TestDepleteForOrderIsIdempotent(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(2)

	first := h.deplete(t, o)
	second := h.deplete(t, o)
	require.True(t, second.IsIdempotent)
	require.Equal(t, first.Depletion.ID, second.Depletion.ID)
	require.Equal(t, depletion.StatusPosted, second.Depletion.Status)
	requireDecimal(t, "5000", second.TotalCogs)
	require.Len(t, h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String()), 2)
	require.Equal(t, 1, h.store.JournalCount())
	requireDecimal(t, "198", h.onHand(t, h.bun))
}

func TestDepleteForOrderConcurrentCallsDepleteOnce(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(2)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		firstIDs = map[uuid.UUID]struct{}{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.svc.DepleteForOrder(context.Background(), h.org, o.ID, h.branch, h.user)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !result.IsIdempotent {
				fresh++
			}
			firstIDs[result.Depletion.ID] = struct{}{}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, fresh)
	require.Len(t, firstIDs, 1)
	require.Len(t, h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String()), 2)
	requireDecimal(t, "198", h.onHand(t, h.bun))
}

func TestDepleteForOrderInsufficientStockIsNotFatal(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(160)

	result := h.deplete(t, o)
	d := result.Depletion
	require.Equal(t, depletion.StatusFailed, d.Status)
	require.Equal(t, depletion.CodeInsufficientStock, d.ErrorCode)
	require.Equal(t, 2, d.LedgerEntryCount)
	require.Len(t, result.StockErrors, 1)
	require.Contains(t, d.ErrorMessage, h.patty.String())
	require.Nil(t, d.PostedAt)

	requireDecimal(t, "-10", h.onHand(t, h.patty))
	requireDecimal(t, "40", h.onHand(t, h.bun))
	requireDecimal(t, "400000", result.TotalCogs)
	require.Len(t, h.store.BreakdownRows(d.ID), 2)
}

func TestDepleteForOrderSkipsLinesWithoutRecipe(t *testing.T) {
	h := newHarness(t)
	o := h.order(orders.StatusClosed,
		orders.Line{MenuItemID: h.burger, Name: "Burger", Qty: decimal.NewFromInt(1)},
		orders.Line{MenuItemID: uuid.New(), Name: "Water", Qty: decimal.NewFromInt(3)},
	)

	result := h.deplete(t, o)
	d := result.Depletion
	require.Equal(t, depletion.StatusPosted, d.Status)
	require.Equal(t, 1, d.Metadata.ItemsProcessed)
	require.Equal(t, 1, d.Metadata.ItemsSkipped)
	require.Len(t, d.Metadata.Lines, 2)
	require.Equal(t, depletion.CodeNoRecipe, d.Metadata.Lines[1].SkipReason)
	require.False(t, d.Metadata.Lines[1].Processed)
	requireDecimal(t, "2500", result.TotalCogs)
}

func TestDepleteForOrderWithoutRecipesPostsNothing(t *testing.T) {
	h := newHarness(t)
	o := h.order(orders.StatusClosed, orders.Line{MenuItemID: uuid.New(), Name: "Water", Qty: decimal.NewFromInt(1)})

	result := h.deplete(t, o)
	require.Equal(t, depletion.StatusPosted, result.Depletion.Status)
	require.Zero(t, result.Depletion.LedgerEntryCount)
	require.True(t, result.TotalCogs.IsZero())
	require.Equal(t, integration.GLStatusSkipped, result.GL.Status)
	require.Zero(t, h.store.JournalCount())
}

func TestDepleteForOrderRejectsUnclosedOrMissingOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open := h.order(orders.StatusOpen, orders.Line{MenuItemID: h.burger, Qty: decimal.NewFromInt(1)})
	_, err := h.svc.DepleteForOrder(ctx, h.org, open.ID, h.branch, h.user)
	var derr *depletion.Error
	require.True(t, errors.As(err, &derr))
	require.Equal(t, depletion.CodeOrderNotClosed, derr.Code)
	_, err = h.svc.GetByOrderID(ctx, h.org, open.ID)
	require.ErrorIs(t, err, depletion.ErrNotFound)

	_, err = h.svc.DepleteForOrder(ctx, h.org, uuid.New(), h.branch, h.user)
	require.True(t, errors.As(err, &derr))
	require.Equal(t, depletion.CodeOrderNotFound, derr.Code)
	require.ErrorIs(t, err, orders.ErrNotFound)

	closed := h.burgers(1)
	_, err = h.svc.DepleteForOrder(ctx, h.org, closed.ID, uuid.New(), h.user)
	require.True(t, errors.As(err, &derr))
	require.Equal(t, depletion.CodeOrderNotFound, derr.Code)

	_, err = h.svc.DepleteForOrder(ctx, h.org, uuid.Nil, h.branch, h.user)
	require.ErrorIs(t, err, depletion.ErrInvalidInput)
}

func TestDepleteForOrderWithoutLocationFails(t *testing.T) {
	h := newHarness(t)
	otherBranch := uuid.New()
	closedAt := h.clock.Now()
	o := orders.Order{ID: uuid.New(), OrgID: h.org, BranchID: otherBranch, Status: orders.StatusClosed, ClosedAt: &closedAt,
		Lines: []orders.Line{{ID: uuid.New(), MenuItemID: h.burger, Qty: decimal.NewFromInt(1)}}}
	h.store.AddOrder(o)

	result, err := h.svc.DepleteForOrder(context.Background(), h.org, o.ID, otherBranch, h.user)
	require.NoError(t, err)
	require.Equal(t, depletion.StatusFailed, result.Depletion.Status)
	require.Equal(t, depletion.CodeLocationNotFound, result.Depletion.ErrorCode)
	require.Equal(t, integration.GLStatusSkipped, result.Depletion.GLPostingStatus)
	require.Nil(t, result.Depletion.LocationID)
	require.Empty(t, h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String()))
}

func TestResolveLocationCascade(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness, branch uuid.UUID) (want uuid.UUID, overrides map[uuid.UUID]uuid.UUID)
	}{
		{
			name: "override wins",
			setup: func(h *harness, branch uuid.UUID) (uuid.UUID, map[uuid.UUID]uuid.UUID) {
				bar := uuid.New()
				h.store.AddLocation(locations.Location{ID: uuid.New(), OrgID: h.org, BranchID: branch, Code: locations.CodeKitchen, IsActive: true})
				h.store.AddLocation(locations.Location{ID: bar, OrgID: h.org, BranchID: branch, Code: "BAR", IsActive: true})
				return bar, map[uuid.UUID]uuid.UUID{branch: bar}
			},
		},
		{
			name: "inactive override falls back to kitchen",
			setup: func(h *harness, branch uuid.UUID) (uuid.UUID, map[uuid.UUID]uuid.UUID) {
				kitchen, bar := uuid.New(), uuid.New()
				h.store.AddLocation(locations.Location{ID: kitchen, OrgID: h.org, BranchID: branch, Code: locations.CodeKitchen, IsActive: true})
				h.store.AddLocation(locations.Location{ID: bar, OrgID: h.org, BranchID: branch, Code: "BAR", IsActive: false})
				return kitchen, map[uuid.UUID]uuid.UUID{branch: bar}
			},
		},
		{
			name: "production type",
			setup: func(h *harness, branch uuid.UUID) (uuid.UUID, map[uuid.UUID]uuid.UUID) {
				prod := uuid.New()
				h.store.AddLocation(locations.Location{ID: uuid.New(), OrgID: h.org, BranchID: branch, Code: "STORE", Type: locations.TypeStorage, IsActive: true})
				h.store.AddLocation(locations.Location{ID: prod, OrgID: h.org, BranchID: branch, Code: "LINE", Type: locations.TypeProduction, IsActive: true})
				return prod, nil
			},
		},
		{
			name: "first active",
			setup: func(h *harness, branch uuid.UUID) (uuid.UUID, map[uuid.UUID]uuid.UUID) {
				first := uuid.New()
				h.store.AddLocation(locations.Location{ID: uuid.New(), OrgID: h.org, BranchID: branch, Code: "OLD", Type: locations.TypeStorage, IsActive: false})
				h.store.AddLocation(locations.Location{ID: first, OrgID: h.org, BranchID: branch, Code: "STORE", Type: locations.TypeStorage, IsActive: true})
				h.store.AddLocation(locations.Location{ID: uuid.New(), OrgID: h.org, BranchID: branch, Code: "BACK", Type: locations.TypeStorage, IsActive: true})
				return first, nil
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			branch := uuid.New()
			var overrides map[uuid.UUID]uuid.UUID
			probe := newHarness(t)
			want, overrides := tc.setup(probe, branch)
			h := probe
			if overrides != nil {
				h.svc = rebuild(t, probe, overrides)
			}
			closedAt := h.clock.Now()
			o := orders.Order{ID: uuid.New(), OrgID: h.org, BranchID: branch, Status: orders.StatusClosed, ClosedAt: &closedAt}
			h.store.AddOrder(o)

			result, err := h.svc.DepleteForOrder(context.Background(), h.org, o.ID, branch, h.user)
			require.NoError(t, err)
			require.NotNil(t, result.Depletion.LocationID)
			require.Equal(t, want, *result.Depletion.LocationID)
		})
	}
}

// rebuild wires a service over the harness store with location overrides.
func rebuild(t *testing.T, h *harness, overrides map[uuid.UUID]uuid.UUID) *depletion.Service {
	t.Helper()
	recorder := cogs.NewRecorder(h.store.Breakdowns(), h.costs, h.guard, h.store, nil)
	svc := depletion.NewService(depletion.Deps{
		Repo:              h.store.Depletions(),
		Orders:            h.store.Orders(),
		Recipes:           h.store.Recipes(),
		Locations:         h.store.Locations(),
		Ledger:            h.ledger,
		Cogs:              recorder,
		Guard:             h.guard,
		GL:                integration.NewGLBridge(nil, nil, 0, nil, nil),
		Tx:                h.store,
		Audit:             h.store,
		LocationOverrides: overrides,
	})
	svc.WithNow(h.clock.Now)
	return svc
}

func TestDepleteForOrderInClosedPeriod(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(2)
	h.store.AddPeriod(periods.FiscalPeriod{
		ID:       uuid.New(),
		OrgID:    h.org,
		Code:     "2026-03",
		StartsAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Status:   periods.PeriodStatusClosed,
	})

	result := h.deplete(t, o)
	require.Equal(t, depletion.StatusFailed, result.Depletion.Status)
	require.Equal(t, depletion.CodePeriodLocked, result.Depletion.ErrorCode)
	require.Zero(t, result.Depletion.LedgerEntryCount)
	require.Empty(t, h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String()))
	require.Equal(t, integration.GLStatusSkipped, result.GL.Status)
}

func TestDepleteForOrderPeriodClosedMidSequenceRollsBack(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(2)
	h.guard.closeFor("cogs.record")

	result := h.deplete(t, o)
	d := result.Depletion
	require.Equal(t, depletion.StatusFailed, d.Status)
	require.Equal(t, depletion.CodePeriodLocked, d.ErrorCode)
	require.Zero(t, d.LedgerEntryCount)
	require.Nil(t, d.Metadata.Partial)
	require.Empty(t, h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String()))
	require.Empty(t, h.store.BreakdownRows(d.ID))
	requireDecimal(t, "200", h.onHand(t, h.bun))

	persisted, err := h.svc.GetByID(context.Background(), h.org, d.ID)
	require.NoError(t, err)
	require.Equal(t, depletion.StatusFailed, persisted.Status)
}

func TestDepleteForOrderInternalErrorKeepsPartialProgress(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(2)
	boom := errors.New("connection reset")
	h.store.FailOn(memstore.OpOrderSetCogs, boom)

	result, err := h.svc.DepleteForOrder(context.Background(), h.org, o.ID, h.branch, h.user)
	require.ErrorIs(t, err, boom)
	d := result.Depletion
	require.Equal(t, depletion.StatusFailed, d.Status)
	require.Equal(t, depletion.CodeInternalError, d.ErrorCode)
	require.Zero(t, d.LedgerEntryCount)
	require.NotNil(t, d.Metadata.Partial)
	require.Equal(t, "cogs", d.Metadata.Partial.Stage)
	require.Equal(t, 2, d.Metadata.Partial.MovementsPlanned)
	require.Equal(t, 2, d.Metadata.Partial.MovementsAppended)
	require.Contains(t, d.Metadata.Partial.Error, "connection reset")

	require.Empty(t, h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String()))
	require.Empty(t, h.store.BreakdownRows(d.ID))
	require.Zero(t, h.store.JournalCount())
}

func TestRetryReprocessesFailedDepletion(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(2)
	h.store.FailOn(memstore.OpOrderSetCogs, errors.New("connection reset"))
	failed, err := h.svc.DepleteForOrder(context.Background(), h.org, o.ID, h.branch, h.user)
	require.Error(t, err)
	h.store.ClearFailures()

	retried, err := h.svc.Retry(context.Background(), h.org, failed.Depletion.ID, h.user)
	require.NoError(t, err)
	require.Equal(t, failed.Depletion.ID, retried.Depletion.ID)
	require.Equal(t, depletion.StatusPosted, retried.Depletion.Status)
	require.Equal(t, 2, retried.Depletion.LedgerEntryCount)
	requireDecimal(t, "5000", retried.TotalCogs)
	require.Len(t, h.store.Audits("depletion.retry"), 1)
	require.Len(t, h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String()), 2)
}

func TestRetryAfterRestockReplaysMovements(t *testing.T) {
	h := newHarness(t)
	o := h.burgers(160)
	first := h.deplete(t, o)
	require.Equal(t, depletion.CodeInsufficientStock, first.Depletion.ErrorCode)
	requireDecimal(t, "400000", first.TotalCogs)
	journalID := first.GL.JournalEntryID
	require.NotNil(t, journalID)

	h.receive(t, h.patty, "100", "3000", "GRN-PATTY-2")

	retried, err := h.svc.Retry(context.Background(), h.org, first.Depletion.ID, h.user)
	require.NoError(t, err)
	require.Equal(t, depletion.StatusPosted, retried.Depletion.Status)
	require.Equal(t, 1, retried.Depletion.Metadata.Attempt)
	require.Empty(t, retried.StockErrors)
	require.Len(t, h.store.LedgerEntries(depletion.SourceTypeSaleOrder, o.ID.String()), 2)
	requireDecimal(t, "90", h.onHand(t, h.patty))
	requireDecimal(t, "577777.776", retried.TotalCogs)

	rows := h.store.BreakdownRows(first.Depletion.ID)
	require.Len(t, rows, 4)
	tombstoned := 0
	for _, row := range rows {
		if row.IsDeleted() {
			tombstoned++
			require.Equal(t, "retry", row.Deleted.Reason)
		}
	}
	require.Equal(t, 2, tombstoned)

	require.Equal(t, integration.GLStatusPosted, retried.GL.Status)
	require.NotEqual(t, *journalID, *retried.GL.JournalEntryID)
	require.Equal(t, 3, h.store.JournalCount())

	ctx := context.Background()
	reposted, err := h.store.Journals().FindBySource(ctx, integration.SourceModuleCogs, integration.DepletionSourceID(first.Depletion.ID, 1))
	require.NoError(t, err)
	require.Equal(t, *retried.GL.JournalEntryID, reposted.ID)
	requireDecimal(t, "577777.78", reposted.Total())

	reversal, err := h.store.Journals().FindBySource(ctx, integration.SourceModuleCogs+journals.ReversalSuffix, journals.ReversalSourceID(*journalID))
	require.NoError(t, err)
	requireDecimal(t, "400000", reversal.Total())
	require.Equal(t, h.cogsAcct, reversal.Lines[0].AccountID)
	requireDecimal(t, "400000", reversal.Lines[0].Credit)

	retries := h.store.Audits("depletion.retry")
	require.Len(t, retries, 1)
	require.Equal(t, reversal.ID.String(), retries[0].Meta["gl_reversal_id"])
}

func TestRetryAbortsWhenReversalFails(t *testing.T) {
	h := newHarness(t)
	first := h.deplete(t, h.burgers(160))
	require.Equal(t, depletion.StatusFailed, first.Depletion.Status)
	h.store.FailOn(memstore.OpJournalInsert, errors.New("ledger offline"))

	_, err := h.svc.Retry(context.Background(), h.org, first.Depletion.ID, h.user)
	require.ErrorContains(t, err, "ledger offline")

	persisted, err := h.svc.GetByID(context.Background(), h.org, first.Depletion.ID)
	require.NoError(t, err)
	require.Equal(t, depletion.StatusFailed, persisted.Status)
	require.Zero(t, persisted.Metadata.Attempt)
	for _, row := range h.store.BreakdownRows(first.Depletion.ID) {
		require.False(t, row.IsDeleted())
	}
	require.Equal(t, 1, h.store.JournalCount())
	require.Empty(t, h.store.Audits("depletion.retry"))
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	h := newHarness(t)
	posted := h.deplete(t, h.burgers(1))
	_, err := h.svc.Retry(context.Background(), h.org, posted.Depletion.ID, h.user)
	require.ErrorIs(t, err, depletion.ErrNotRetryable)

	_, err = h.svc.Retry(context.Background(), h.org, uuid.New(), h.user)
	require.ErrorIs(t, err, depletion.ErrNotFound)
}

func TestSkipFailedDepletion(t *testing.T) {
	h := newHarness(t)
	failed := h.deplete(t, h.burgers(160))

	skipped, err := h.svc.Skip(context.Background(), h.org, failed.Depletion.ID, h.user, "  counted manually ")
	require.NoError(t, err)
	require.Equal(t, depletion.StatusSkipped, skipped.Status)
	require.Equal(t, "counted manually", skipped.Metadata.Extra["skip_reason"])
	require.Equal(t, string(depletion.StatusFailed), skipped.Metadata.Extra["skipped_from"])

	persisted, err := h.svc.GetByID(context.Background(), h.org, failed.Depletion.ID)
	require.NoError(t, err)
	require.Equal(t, depletion.StatusSkipped, persisted.Status)
	require.Len(t, h.store.Audits("depletion.skipped"), 1)

	_, err = h.svc.Skip(context.Background(), h.org, failed.Depletion.ID, h.user, "again")
	require.ErrorIs(t, err, depletion.ErrNotSkippable)
	_, err = h.svc.Retry(context.Background(), h.org, failed.Depletion.ID, h.user)
	require.ErrorIs(t, err, depletion.ErrNotRetryable)
}

func TestSkipRejectsPosted(t *testing.T) {
	h := newHarness(t)
	posted := h.deplete(t, h.burgers(1))
	_, err := h.svc.Skip(context.Background(), h.org, posted.Depletion.ID, h.user, "no")
	require.ErrorIs(t, err, depletion.ErrNotSkippable)
}

func TestReconcileGLPostsPendingJournals(t *testing.T) {
	h := newHarness(t)
	h.store.FailOn(memstore.OpJournalInsert, errors.New("ledger offline"))
	result := h.deplete(t, h.burgers(2))
	require.Equal(t, depletion.StatusPosted, result.Depletion.Status)
	require.Equal(t, integration.GLStatusFailed, result.GL.Status)
	h.store.ClearFailures()

	summary, err := h.svc.ReconcileGL(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, summary.Scanned, "rows younger than the grace window are left alone")

	h.clock.Advance(2 * time.Minute)
	summary, err = h.svc.ReconcileGL(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, depletion.ReconcileSummary{Scanned: 1, Posted: 1}, summary)

	persisted, err := h.svc.GetByID(context.Background(), h.org, result.Depletion.ID)
	require.NoError(t, err)
	require.Equal(t, integration.GLStatusPosted, persisted.GLPostingStatus)
	require.NotEmpty(t, persisted.GLJournalEntryID)
	require.Empty(t, persisted.GLPostingError)
	require.Equal(t, 1, h.store.JournalCount())

	h.clock.Advance(2 * time.Minute)
	summary, err = h.svc.ReconcileGL(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, summary.Scanned)
}

func TestListAndStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.deplete(t, h.burgers(1))
	h.clock.Advance(time.Second)
	h.deplete(t, h.burgers(1))
	h.clock.Advance(time.Second)
	failed := h.deplete(t, h.burgers(500))
	require.Equal(t, depletion.StatusFailed, failed.Depletion.Status)

	page, err := h.svc.List(ctx, depletion.ListFilter{OrgID: h.org, Page: 1, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, 3, page.Pagination.Total)
	require.Equal(t, 2, page.Pagination.TotalPages)
	require.Equal(t, failed.Depletion.ID, page.Items[0].ID)

	status := depletion.StatusPosted
	posted, err := h.svc.List(ctx, depletion.ListFilter{OrgID: h.org, Status: &status})
	require.NoError(t, err)
	require.Len(t, posted.Items, 2)

	stats, err := h.svc.GetStats(ctx, depletion.StatsFilter{OrgID: h.org})
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.ByStatus[depletion.StatusPosted])
	require.Equal(t, 1, stats.ByStatus[depletion.StatusFailed])
	require.Equal(t, 6, stats.LedgerEntries)
	require.Equal(t, 3, stats.ByGLStatus[integration.GLStatusPosted])

	_, err = h.svc.List(ctx, depletion.ListFilter{})
	require.ErrorIs(t, err, depletion.ErrInvalidInput)
}

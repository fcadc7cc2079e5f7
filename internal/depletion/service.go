package depletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/cogs"
	"github.com/odyssey-erp/odyssey-costing/internal/integration"
	"github.com/odyssey-erp/odyssey-costing/internal/inventory"
	"github.com/odyssey-erp/odyssey-costing/internal/observability"
	"github.com/odyssey-erp/odyssey-costing/internal/recipes"
	"github.com/odyssey-erp/odyssey-costing/internal/sales/orders"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

// Repository persists depletions.
type Repository interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (Depletion, error)
	GetByOrderID(ctx context.Context, orgID, orderID uuid.UUID) (Depletion, error)
	// InsertOrGet inserts d unless a row for its order exists, in which case the
	// stored row is returned with inserted=false.
	InsertOrGet(ctx context.Context, d Depletion) (stored Depletion, inserted bool, err error)
	// Transition updates status, counters, errors and metadata when the stored
	// status is one of from; otherwise it returns ErrStatusConflict.
	Transition(ctx context.Context, d Depletion, from ...Status) error
	UpdateGL(ctx context.Context, d Depletion) error
	Delete(ctx context.Context, orgID, id uuid.UUID) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]Depletion, int, error)
	Stats(ctx context.Context, filter StatsFilter) (Stats, error)
	ListGLUnposted(ctx context.Context, olderThan time.Time, limit int) ([]Depletion, error)
}

// OrderStore is the order contract.
type OrderStore interface {
	Get(ctx context.Context, orgID, orderID uuid.UUID) (orders.Order, error)
	SetCogsTotal(ctx context.Context, orgID, orderID uuid.UUID, total decimal.Decimal) error
}

// RecipeSource resolves active recipes.
type RecipeSource interface {
	GetByTarget(ctx context.Context, orgID uuid.UUID, targetType string, targetID uuid.UUID) (*recipes.Recipe, error)
}

// StockLedger is the stock ledger contract.
type StockLedger interface {
	LockItems(ctx context.Context, orgID, branchID uuid.UUID, itemIDs []uuid.UUID) error
	Append(ctx context.Context, orgID, branchID uuid.UUID, mv inventory.Movement, opts inventory.AppendOptions) (inventory.LedgerEntry, error)
}

// CogsRecorder records per-item COGS.
type CogsRecorder interface {
	RecordCogsBreakdown(ctx context.Context, input cogs.RecordInput) (cogs.RecordResult, error)
	SoftDeleteByDepletion(ctx context.Context, depletionID uuid.UUID, tomb cogs.Tombstone) (int64, error)
}

// PeriodGuard rejects writes dated inside closed fiscal periods.
type PeriodGuard interface {
	AssertPeriodOpen(ctx context.Context, input periods.GuardInput) error
}

// GLPoster posts COGS journals on a best-effort basis. ReverseDepletion
// undoes the journal of an earlier attempt before a retry reprices it.
type GLPoster interface {
	PostDepletion(ctx context.Context, in integration.DepletionPosting) integration.GLResult
	ReverseDepletion(ctx context.Context, in integration.DepletionPosting) (*uuid.UUID, error)
}

// TxRunner opens a unit of work.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(context.Context) error) error
}

// AuditPort records audit trails.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Deps groups the collaborators of Service.
type Deps struct {
	Repo      Repository
	Orders    OrderStore
	Recipes   RecipeSource
	Locations LocationReader
	Ledger    StockLedger
	Cogs      CogsRecorder
	Guard     PeriodGuard
	GL        GLPoster
	Tx        TxRunner
	Audit     AuditPort
	Metrics   *observability.CostingMetrics
	Logger    *slog.Logger
	// LocationOverrides maps a branch to its explicit depletion location.
	LocationOverrides map[uuid.UUID]uuid.UUID
}

// Service orchestrates recipe-driven stock depletion for closed orders.
type Service struct {
	repo      Repository
	orders    OrderStore
	recipes   RecipeSource
	locations LocationReader
	ledger    StockLedger
	cogs      CogsRecorder
	guard     PeriodGuard
	gl        GLPoster
	tx        TxRunner
	audit     AuditPort
	metrics   *observability.CostingMetrics
	logger    *slog.Logger
	overrides map[uuid.UUID]uuid.UUID
	now       func() time.Time
}

// NewService constructs the orchestrator.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	overrides := deps.LocationOverrides
	if overrides == nil {
		overrides = map[uuid.UUID]uuid.UUID{}
	}
	return &Service{
		repo:      deps.Repo,
		orders:    deps.Orders,
		recipes:   deps.Recipes,
		locations: deps.Locations,
		ledger:    deps.Ledger,
		cogs:      deps.Cogs,
		guard:     deps.Guard,
		gl:        deps.GL,
		tx:        deps.Tx,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    logger,
		overrides: overrides,
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// DepleteForOrder consumes the recipe ingredients of a closed order. A second
// call for the same order returns the stored depletion flagged idempotent.
func (s *Service) DepleteForOrder(ctx context.Context, orgID, orderID, branchID, userID uuid.UUID) (DepletionResult, error) {
	if orgID == uuid.Nil || orderID == uuid.Nil || branchID == uuid.Nil {
		return DepletionResult{}, fmt.Errorf("%w: org, order and branch required", ErrInvalidInput)
	}
	existing, err := s.repo.GetByOrderID(ctx, orgID, orderID)
	if err == nil {
		return idempotentResult(existing), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return DepletionResult{}, err
	}
	order, err := s.loadClosedOrder(ctx, orgID, orderID, branchID)
	if err != nil {
		return DepletionResult{}, err
	}
	return s.process(ctx, order, branchID, userID, uuid.New(), 0)
}

// Retry deletes a FAILED depletion and processes its order again under the same
// depletion id. Breakdowns of the failed attempt are tombstoned; ledger
// movements it already posted are replayed, not duplicated.
func (s *Service) Retry(ctx context.Context, orgID, depletionID, userID uuid.UUID) (DepletionResult, error) {
	d, err := s.repo.GetByID(ctx, orgID, depletionID)
	if err != nil {
		return DepletionResult{}, err
	}
	if d.Status != StatusFailed {
		return DepletionResult{}, ErrNotRetryable
	}
	order, err := s.loadClosedOrder(ctx, orgID, d.OrderID, d.BranchID)
	if err != nil {
		return DepletionResult{}, err
	}
	reversalID, err := s.gl.ReverseDepletion(ctx, integration.DepletionPosting{
		OrgID:       d.OrgID,
		BranchID:    d.BranchID,
		DepletionID: d.ID,
		Attempt:     d.Metadata.Attempt,
		PostedBy:    userID,
	})
	if err != nil {
		return DepletionResult{}, fmt.Errorf("depletion: retry %s: %w", d.ID, err)
	}
	var tombstoned int64
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		n, err := s.cogs.SoftDeleteByDepletion(ctx, d.ID, cogs.Tombstone{At: s.now().UTC(), By: shared.UUIDPtr(userID), Reason: "retry"})
		if err != nil {
			return err
		}
		tombstoned = n
		return s.repo.Delete(ctx, orgID, d.ID)
	})
	if err != nil {
		return DepletionResult{}, fmt.Errorf("depletion: retry %s: %w", d.ID, err)
	}
	meta := map[string]any{
		"previous_error_code": string(d.ErrorCode),
		"breakdowns_deleted":  tombstoned,
		"attempt":             d.Metadata.Attempt + 1,
	}
	if reversalID != nil {
		meta["gl_reversal_id"] = reversalID.String()
	}
	s.record(ctx, d, userID, "depletion.retry", meta)
	return s.process(ctx, order, d.BranchID, userID, d.ID, d.Metadata.Attempt+1)
}

// Skip marks a PENDING or FAILED depletion as SKIPPED. SKIPPED is terminal.
func (s *Service) Skip(ctx context.Context, orgID, depletionID, userID uuid.UUID, reason string) (Depletion, error) {
	d, err := s.repo.GetByID(ctx, orgID, depletionID)
	if err != nil {
		return Depletion{}, err
	}
	if d.Status != StatusPending && d.Status != StatusFailed {
		return Depletion{}, ErrNotSkippable
	}
	from := d.Status
	d.Status = StatusSkipped
	if d.Metadata.Extra == nil {
		d.Metadata.Extra = map[string]string{}
	}
	d.Metadata.Extra["skip_reason"] = strings.TrimSpace(reason)
	d.Metadata.Extra["skipped_from"] = string(from)
	d.UpdatedAt = s.now().UTC()
	if err := s.repo.Transition(ctx, d, from); err != nil {
		return Depletion{}, err
	}
	s.record(ctx, d, userID, "depletion.skipped", map[string]any{"reason": reason, "from": string(from)})
	s.metrics.ObserveDepletion(string(StatusSkipped), "", 0)
	return d, nil
}

// GetByID returns a depletion.
func (s *Service) GetByID(ctx context.Context, orgID, id uuid.UUID) (Depletion, error) {
	return s.repo.GetByID(ctx, orgID, id)
}

// GetByOrderID returns the depletion of an order.
func (s *Service) GetByOrderID(ctx context.Context, orgID, orderID uuid.UUID) (Depletion, error) {
	return s.repo.GetByOrderID(ctx, orgID, orderID)
}

// List returns depletions newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) (Page, error) {
	if filter.OrgID == uuid.Nil {
		return Page{}, fmt.Errorf("%w: org required", ErrInvalidInput)
	}
	paging := shared.NewPagination(filter.Page, filter.PerPage, 0)
	items, total, err := s.repo.List(ctx, filter, paging.PerPage, paging.Offset())
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Pagination: shared.NewPagination(paging.Page, paging.PerPage, total)}, nil
}

// GetStats aggregates depletion outcomes.
func (s *Service) GetStats(ctx context.Context, filter StatsFilter) (Stats, error) {
	if filter.OrgID == uuid.Nil {
		return Stats{}, fmt.Errorf("%w: org required", ErrInvalidInput)
	}
	return s.repo.Stats(ctx, filter)
}

// ReconcileGL re-attempts GL posting for settled depletions whose journal is
// still PENDING or FAILED.
func (s *Service) ReconcileGL(ctx context.Context, limit int) (ReconcileSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.repo.ListGLUnposted(ctx, s.now().Add(-time.Minute), limit)
	if err != nil {
		return ReconcileSummary{}, err
	}
	summary := ReconcileSummary{Scanned: len(rows)}
	for _, d := range rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		actor := uuid.Nil
		if d.CreatedBy != nil {
			actor = *d.CreatedBy
		}
		result := s.gl.PostDepletion(ctx, integration.DepletionPosting{
			OrgID:       d.OrgID,
			BranchID:    d.BranchID,
			DepletionID: d.ID,
			Attempt:     d.Metadata.Attempt,
			TotalCogs:   d.Metadata.CogsTotal,
			PostedBy:    actor,
		})
		applyGL(&d, result)
		d.UpdatedAt = s.now().UTC()
		if err := s.repo.UpdateGL(ctx, d); err != nil {
			return summary, err
		}
		switch result.Status {
		case integration.GLStatusPosted:
			summary.Posted++
		case integration.GLStatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	return summary, nil
}

func (s *Service) loadClosedOrder(ctx context.Context, orgID, orderID, branchID uuid.UUID) (orders.Order, error) {
	order, err := s.orders.Get(ctx, orgID, orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return orders.Order{}, &Error{Code: CodeOrderNotFound, Message: fmt.Sprintf("order %s not found", orderID), Err: err}
		}
		return orders.Order{}, err
	}
	if order.BranchID != branchID {
		return orders.Order{}, &Error{Code: CodeOrderNotFound, Message: fmt.Sprintf("order %s does not belong to branch %s", orderID, branchID)}
	}
	if !order.IsClosed() {
		return orders.Order{}, &Error{Code: CodeOrderNotClosed, Message: fmt.Sprintf("order %s is %s", orderID, order.Status)}
	}
	return order, nil
}

// process runs steps from location resolution to GL posting for a new row.
func (s *Service) process(ctx context.Context, order orders.Order, branchID, userID, depletionID uuid.UUID, attempt int) (DepletionResult, error) {
	start := s.now()
	orgID := order.OrgID
	base := Depletion{
		ID:              depletionID,
		OrgID:           orgID,
		OrderID:         order.ID,
		BranchID:        branchID,
		GLPostingStatus: integration.GLStatusPending,
		CreatedBy:       shared.UUIDPtr(userID),
		CreatedAt:       start.UTC(),
		UpdatedAt:       start.UTC(),
		Metadata:        Metadata{Attempt: attempt},
	}

	loc, err := s.resolveLocation(ctx, orgID, branchID)
	if err != nil {
		if errors.Is(err, errNoLocation) {
			return s.failEarly(ctx, base, userID, CodeLocationNotFound, fmt.Sprintf("no active stock location for branch %s", branchID), start)
		}
		return DepletionResult{}, fmt.Errorf("depletion: resolve location: %w", err)
	}
	base.LocationID = &loc.ID

	if err := s.guard.AssertPeriodOpen(ctx, periods.GuardInput{OrgID: orgID, RecordDate: start, Operation: "depletion.create"}); err != nil {
		if errors.Is(err, periods.ErrPeriodClosed) {
			return s.failEarly(ctx, base, userID, CodePeriodLocked, err.Error(), start)
		}
		return DepletionResult{}, fmt.Errorf("depletion: period check: %w", err)
	}

	base.Status = StatusPending
	row, inserted, err := s.repo.InsertOrGet(ctx, base)
	if err != nil {
		return DepletionResult{}, fmt.Errorf("depletion: create: %w", err)
	}
	if !inserted {
		return idempotentResult(row), nil
	}

	work := &unitOfWork{svc: s, row: row, order: order, locationID: loc.ID, at: start.UTC()}
	if err := s.tx.WithinTx(ctx, work.run); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			if current, getErr := s.repo.GetByID(ctx, orgID, row.ID); getErr == nil {
				return idempotentResult(current), nil
			}
		}
		return s.failInFlight(ctx, row, work, userID, err, start)
	}
	row = work.row

	gl := s.gl.PostDepletion(ctx, integration.DepletionPosting{
		OrgID:       orgID,
		BranchID:    branchID,
		DepletionID: row.ID,
		Attempt:     attempt,
		TotalCogs:   work.totalCogs,
		PostedBy:    userID,
	})
	applyGL(&row, gl)
	row.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateGL(ctx, row); err != nil {
		s.logger.WarnContext(ctx, "persist gl outcome", slog.String("depletion_id", row.ID.String()), slog.Any("error", err))
	}

	s.record(ctx, row, userID, "depletion."+strings.ToLower(string(row.Status)), map[string]any{
		"order_id":           order.ID.String(),
		"ledger_entry_count": row.LedgerEntryCount,
		"error_code":         string(row.ErrorCode),
		"cogs_total":         work.totalCogs.String(),
		"gl_status":          string(row.GLPostingStatus),
	})
	s.metrics.ObserveDepletion(string(row.Status), string(row.ErrorCode), s.now().Sub(start))
	s.logger.InfoContext(ctx, "order depleted",
		slog.String("depletion_id", row.ID.String()),
		slog.String("order_id", order.ID.String()),
		slog.String("status", string(row.Status)),
		slog.Int("ledger_entries", row.LedgerEntryCount),
		slog.String("cogs_total", work.totalCogs.String()),
		slog.String("gl_status", string(row.GLPostingStatus)),
	)
	return DepletionResult{
		Depletion:   row,
		TotalCogs:   work.totalCogs,
		StockErrors: work.stockErrors,
		GL:          gl,
	}, nil
}

// failEarly persists a FAILED row for rejections detected before any work.
func (s *Service) failEarly(ctx context.Context, base Depletion, userID uuid.UUID, code ErrorCode, message string, start time.Time) (DepletionResult, error) {
	base.Status = StatusFailed
	base.ErrorCode = code
	base.ErrorMessage = message
	base.GLPostingStatus = integration.GLStatusSkipped
	base.Metadata.GLStatus = integration.GLStatusSkipped
	row, inserted, err := s.repo.InsertOrGet(ctx, base)
	if err != nil {
		return DepletionResult{}, fmt.Errorf("depletion: record %s: %w", code, err)
	}
	if !inserted {
		return idempotentResult(row), nil
	}
	s.record(ctx, row, userID, "depletion.failed", map[string]any{"order_id": row.OrderID.String(), "error_code": string(code)})
	s.metrics.ObserveDepletion(string(StatusFailed), string(code), s.now().Sub(start))
	s.logger.WarnContext(ctx, "depletion rejected",
		slog.String("depletion_id", row.ID.String()),
		slog.String("order_id", row.OrderID.String()),
		slog.String("code", string(code)),
		slog.String("message", message),
	)
	return DepletionResult{Depletion: row, TotalCogs: decimal.Zero, GL: integration.GLResult{Status: integration.GLStatusSkipped}}, nil
}

// failInFlight finalises a PENDING row whose unit of work rolled back.
func (s *Service) failInFlight(ctx context.Context, row Depletion, work *unitOfWork, userID uuid.UUID, cause error, start time.Time) (DepletionResult, error) {
	row.Status = StatusFailed
	row.LedgerEntryCount = 0
	row.GLPostingStatus = integration.GLStatusSkipped
	row.Metadata = Metadata{ItemsSkipped: work.meta.ItemsSkipped, GLStatus: integration.GLStatusSkipped, Attempt: row.Metadata.Attempt}
	row.UpdatedAt = s.now().UTC()

	periodLocked := errors.Is(cause, periods.ErrPeriodClosed)
	if periodLocked {
		row.ErrorCode = CodePeriodLocked
		row.ErrorMessage = cause.Error()
	} else {
		row.ErrorCode = CodeInternalError
		row.ErrorMessage = cause.Error()
		row.Metadata.Partial = &Partial{
			Stage:             work.stage,
			LinesPlanned:      len(work.order.Lines),
			MovementsPlanned:  len(work.plan),
			MovementsAppended: work.appended,
			Error:             cause.Error(),
		}
	}
	if err := s.repo.Transition(ctx, row, StatusPending); err != nil {
		s.logger.ErrorContext(ctx, "mark depletion failed", slog.String("depletion_id", row.ID.String()), slog.Any("error", err))
	}
	s.record(ctx, row, userID, "depletion.failed", map[string]any{"order_id": row.OrderID.String(), "error_code": string(row.ErrorCode)})
	s.metrics.ObserveDepletion(string(StatusFailed), string(row.ErrorCode), s.now().Sub(start))

	result := DepletionResult{Depletion: row, TotalCogs: decimal.Zero, GL: integration.GLResult{Status: integration.GLStatusSkipped}}
	if periodLocked {
		s.logger.WarnContext(ctx, "depletion blocked by closed period", slog.String("depletion_id", row.ID.String()), slog.Any("error", cause))
		return result, nil
	}
	s.logger.ErrorContext(ctx, "depletion failed", slog.String("depletion_id", row.ID.String()), slog.String("stage", work.stage), slog.Any("error", cause))
	return result, fmt.Errorf("depletion: order %s: %w", row.OrderID, cause)
}

func (s *Service) record(ctx context.Context, d Depletion, userID uuid.UUID, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		OrgID:    d.OrgID,
		ActorID:  userID,
		Action:   action,
		Entity:   "depletion",
		EntityID: d.ID.String(),
		Meta:     meta,
		At:       s.now().UTC(),
	})
}

func idempotentResult(d Depletion) DepletionResult {
	result := DepletionResult{
		Depletion:    d,
		IsIdempotent: true,
		TotalCogs:    d.Metadata.CogsTotal,
		GL:           integration.GLResult{Status: d.GLPostingStatus, Error: d.GLPostingError},
	}
	if d.GLJournalEntryID != "" {
		if id, err := uuid.Parse(d.GLJournalEntryID); err == nil {
			result.GL.JournalEntryID = &id
		}
	}
	for _, line := range d.Metadata.Lines {
		result.StockErrors = append(result.StockErrors, line.StockErrors...)
	}
	return result
}

func applyGL(d *Depletion, result integration.GLResult) {
	d.GLPostingStatus = result.Status
	d.GLPostingError = result.Error
	d.GLJournalEntryID = ""
	if result.JournalEntryID != nil {
		d.GLJournalEntryID = result.JournalEntryID.String()
	}
	d.Metadata.GLStatus = result.Status
}

type plannedMovement struct {
	line   int
	itemID uuid.UUID
	qty    decimal.Decimal
	key    string
}

// unitOfWork posts ledger movements, records COGS and settles the row inside
// one transaction.
type unitOfWork struct {
	svc        *Service
	row        Depletion
	order      orders.Order
	locationID uuid.UUID
	at         time.Time

	stage       string
	plan        []plannedMovement
	appended    int
	meta        Metadata
	stockErrors []string
	totalCogs   decimal.Decimal
}

func (w *unitOfWork) run(ctx context.Context) error {
	s := w.svc
	orgID, branchID := w.row.OrgID, w.row.BranchID
	w.meta = Metadata{CogsTotal: decimal.Zero, Attempt: w.row.Metadata.Attempt}
	w.plan = nil
	w.appended = 0
	w.stockErrors = nil

	w.stage = "plan"
	for _, line := range w.order.Lines {
		result := LineResult{OrderLineID: line.ID, MenuItemID: line.MenuItemID, Name: line.Name, Qty: line.Qty}
		recipe, err := s.recipes.GetByTarget(ctx, orgID, recipes.TargetMenuItem, line.MenuItemID)
		if err != nil {
			return fmt.Errorf("recipe for menu item %s: %w", line.MenuItemID, err)
		}
		if recipe == nil || len(recipe.Lines) == 0 {
			result.SkipReason = CodeNoRecipe
			w.meta.ItemsSkipped++
			w.meta.Lines = append(w.meta.Lines, result)
			continue
		}
		result.RecipeID = &recipe.ID
		for _, rl := range recipe.Lines {
			qty := rl.QtyBase.Mul(line.Qty)
			if !qty.IsPositive() {
				continue
			}
			w.plan = append(w.plan, plannedMovement{
				line:   len(w.meta.Lines),
				itemID: rl.InventoryItemID,
				qty:    qty,
				key:    fmt.Sprintf("%s:%s:%s", w.order.ID, line.ID, rl.ID),
			})
		}
		w.meta.Lines = append(w.meta.Lines, result)
	}

	w.stage = "lock"
	items := make([]uuid.UUID, 0, len(w.plan))
	for _, mv := range w.plan {
		items = append(items, mv.itemID)
	}
	if err := s.ledger.LockItems(ctx, orgID, branchID, items); err != nil {
		return err
	}

	w.stage = "ledger"
	totals := make(map[uuid.UUID]decimal.Decimal)
	for _, mv := range w.plan {
		_, err := s.ledger.Append(ctx, orgID, branchID, inventory.Movement{
			ItemID:         mv.itemID,
			LocationID:     w.locationID,
			Qty:            mv.qty.Neg(),
			Reason:         inventory.ReasonSale,
			SourceType:     SourceTypeSaleOrder,
			SourceID:       w.order.ID.String(),
			IdempotencyKey: mv.key,
			EffectiveAt:    w.at,
			Metadata: map[string]any{
				"depletion_id":  w.row.ID.String(),
				"order_line_id": w.meta.Lines[mv.line].OrderLineID.String(),
			},
		}, inventory.AppendOptions{AllowNegative: true})
		var shortage *inventory.InsufficientStockError
		if err != nil && !errors.As(err, &shortage) {
			return err
		}
		if shortage != nil {
			msg := fmt.Sprintf("item %s: on hand %s, requested %s", shortage.ItemID, shortage.OnHand.String(), shortage.Requested.String())
			w.stockErrors = append(w.stockErrors, msg)
			w.meta.Lines[mv.line].StockErrors = append(w.meta.Lines[mv.line].StockErrors, msg)
		}
		w.appended++
		w.meta.Lines[mv.line].Movements++
		totals[mv.itemID] = totals[mv.itemID].Add(mv.qty)
	}
	for i := range w.meta.Lines {
		if w.meta.Lines[i].RecipeID != nil {
			w.meta.Lines[i].Processed = true
			w.meta.ItemsProcessed++
		}
	}

	w.stage = "cogs"
	quantities := make([]cogs.ItemQty, 0, len(totals))
	for itemID, qty := range totals {
		quantities = append(quantities, cogs.ItemQty{ItemID: itemID, Qty: qty})
	}
	sort.Slice(quantities, func(i, j int) bool { return quantities[i].ItemID.String() < quantities[j].ItemID.String() })
	recorded, err := s.cogs.RecordCogsBreakdown(ctx, cogs.RecordInput{
		OrgID:       orgID,
		DepletionID: w.row.ID,
		OrderID:     w.order.ID,
		BranchID:    branchID,
		EffectiveAt: w.at,
		Items:       quantities,
	})
	if err != nil {
		return err
	}
	w.totalCogs = recorded.TotalCogs
	w.meta.CogsTotal = recorded.TotalCogs
	if err := s.orders.SetCogsTotal(ctx, orgID, w.order.ID, recorded.TotalCogs); err != nil {
		return err
	}

	w.stage = "finalize"
	row := w.row
	row.LedgerEntryCount = w.appended
	row.Metadata = w.meta
	row.Metadata.GLStatus = integration.GLStatusPending
	row.UpdatedAt = s.now().UTC()
	if len(w.stockErrors) > 0 {
		row.Status = StatusFailed
		row.ErrorCode = CodeInsufficientStock
		row.ErrorMessage = strings.Join(w.stockErrors, "; ")
	} else {
		row.Status = StatusPosted
		postedAt := row.UpdatedAt
		row.PostedAt = &postedAt
	}
	if err := s.repo.Transition(ctx, row, StatusPending); err != nil {
		return err
	}
	w.row = row
	return nil
}

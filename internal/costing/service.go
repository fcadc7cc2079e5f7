package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/inventory"
	"github.com/odyssey-erp/odyssey-costing/internal/observability"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

// Repository abstracts cost layer persistence.
type Repository interface {
	LatestLayer(ctx context.Context, orgID, branchID, itemID uuid.UUID) (CostLayer, error)
	FindBySource(ctx context.Context, orgID, branchID, itemID uuid.UUID, sourceType, sourceID string) (CostLayer, error)
	// InsertLayer returns inserted=false when the source key already exists.
	InsertLayer(ctx context.Context, layer CostLayer) (inserted bool, err error)
	ListLayers(ctx context.Context, orgID, branchID, itemID uuid.UUID, limit int) ([]CostLayer, error)
	ListCostedItems(ctx context.Context, orgID, branchID uuid.UUID) ([]uuid.UUID, error)
	LockKey(ctx context.Context, key string) error
}

// StockLedger is the part of the stock ledger the WAC engine needs.
type StockLedger interface {
	OnHandQty(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error)
	Append(ctx context.Context, orgID, branchID uuid.UUID, mv inventory.Movement, opts inventory.AppendOptions) (inventory.LedgerEntry, error)
}

// PeriodGuard rejects writes dated inside closed fiscal periods.
type PeriodGuard interface {
	AssertPeriodOpen(ctx context.Context, input periods.GuardInput) error
}

// TxRunner opens a unit of work.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(context.Context) error) error
}

// AuditPort records audit trails.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Store is the WAC engine over append-only cost layers.
type Store struct {
	repo     Repository
	stock    StockLedger
	guard    PeriodGuard
	tx       TxRunner
	locker   ItemLocker
	audit    AuditPort
	metrics  *observability.CostingMetrics
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
	fanout   int
}

// Option customises Store.
type Option func(*Store)

// WithAudit attaches an audit port.
func WithAudit(audit AuditPort) Option { return func(s *Store) { s.audit = audit } }

// WithMetrics attaches costing metrics.
func WithMetrics(m *observability.CostingMetrics) Option { return func(s *Store) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock for testing.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs the Store.
func NewStore(repo Repository, stock StockLedger, guard PeriodGuard, tx TxRunner, locker ItemLocker, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		stock:    stock,
		guard:    guard,
		tx:       tx,
		locker:   locker,
		logger:   slog.Default(),
		validate: validator.New(),
		now:      time.Now,
		fanout:   8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetCurrentWac returns the WAC of the latest layer, or zero when the item has none.
func (s *Store) GetCurrentWac(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error) {
	layer, err := s.repo.LatestLayer(ctx, orgID, branchID, itemID)
	if err != nil {
		if errors.Is(err, ErrLayerNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return layer.NewWac, nil
}

// CreateCostLayer appends a layer for a priced stock movement. Replays of the same
// (item, sourceType, sourceID) return the stored layer without side effects.
func (s *Store) CreateCostLayer(ctx context.Context, orgID, branchID, userID uuid.UUID, input CostLayerInput) (CostLayerResult, error) {
	if err := s.validateInput(orgID, branchID, input); err != nil {
		return CostLayerResult{}, err
	}
	if input.QtyReceived.IsZero() {
		return CostLayerResult{}, fmt.Errorf("%w: qty_received must be non zero", ErrInvalidInput)
	}
	return s.createLayer(ctx, orgID, branchID, userID, input, func(existingQty, priorWac decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
		return input.QtyReceived, ComputeWac(existingQty, priorWac, input.QtyReceived, input.UnitCost)
	})
}

// SeedInitialCost sets the opening WAC of an item to unitCost, valuing the current
// on-hand quantity at that cost.
func (s *Store) SeedInitialCost(ctx context.Context, orgID, branchID, userID uuid.UUID, input SeedInput) (CostLayerResult, error) {
	layer := CostLayerInput{
		ItemID:      input.ItemID,
		UnitCost:    input.UnitCost,
		SourceType:  SourceInitialSeed,
		SourceID:    input.ItemID.String(),
		EffectiveAt: input.EffectiveAt,
		Metadata:    map[string]any{"seed": true},
	}
	if err := s.validateInput(orgID, branchID, layer); err != nil {
		return CostLayerResult{}, err
	}
	return s.createLayer(ctx, orgID, branchID, userID, layer, func(existingQty, _ decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
		return existingQty, input.UnitCost
	})
}

// ReceiveStock records a priced receipt: the cost layer is computed against the
// on-hand quantity before the receipt, then the inbound movement is appended in
// the same transaction.
func (s *Store) ReceiveStock(ctx context.Context, orgID, branchID, userID uuid.UUID, input ReceiptInput) (CostLayerResult, error) {
	if err := s.validate.Struct(input); err != nil {
		return CostLayerResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !input.Qty.IsPositive() {
		return CostLayerResult{}, fmt.Errorf("%w: qty must be positive", ErrInvalidInput)
	}
	location := input.LocationID
	layerInput := CostLayerInput{
		ItemID:      input.ItemID,
		LocationID:  &location,
		QtyReceived: input.Qty,
		UnitCost:    input.UnitCost,
		SourceType:  SourceReceipt,
		SourceID:    input.SourceID,
		EffectiveAt: input.EffectiveAt,
	}
	var result CostLayerResult
	err := s.locker.WithItemLock(ctx, ItemKey{OrgID: orgID, BranchID: branchID, ItemID: input.ItemID}, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			result, err = s.CreateCostLayer(ctx, orgID, branchID, userID, layerInput)
			if err != nil {
				return err
			}
			_, err = s.stock.Append(ctx, orgID, branchID, inventory.Movement{
				ItemID:         input.ItemID,
				LocationID:     input.LocationID,
				Qty:            input.Qty,
				Reason:         inventory.ReasonReceipt,
				SourceType:     SourceReceipt,
				SourceID:       input.SourceID,
				IdempotencyKey: input.ItemID.String(),
				EffectiveAt:    result.EffectiveAt,
			}, inventory.AppendOptions{})
			return err
		})
	})
	return result, err
}

type wacRule func(existingQty, priorWac decimal.Decimal) (qtyReceived, newWac decimal.Decimal)

func (s *Store) createLayer(ctx context.Context, orgID, branchID, userID uuid.UUID, input CostLayerInput, rule wacRule) (CostLayerResult, error) {
	effectiveAt := s.now().UTC()
	if input.EffectiveAt != nil && !input.EffectiveAt.IsZero() {
		effectiveAt = input.EffectiveAt.UTC()
	}
	key := ItemKey{OrgID: orgID, BranchID: branchID, ItemID: input.ItemID}

	var (
		result  CostLayerResult
		created bool
	)
	err := s.locker.WithItemLock(ctx, key, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			// The advisory lock comes before any read so the reads below see
			// every movement committed by the previous holder.
			if err := s.repo.LockKey(ctx, key.String()); err != nil {
				return err
			}
			existing, err := s.repo.FindBySource(ctx, orgID, branchID, input.ItemID, input.SourceType, input.SourceID)
			if err == nil {
				result = resultFromLayer(existing, true)
				return nil
			}
			if !errors.Is(err, ErrLayerNotFound) {
				return err
			}
			if err := s.guard.AssertPeriodOpen(ctx, periods.GuardInput{OrgID: orgID, RecordDate: effectiveAt, Operation: "cost_layer.create"}); err != nil {
				return err
			}
			priorWac, err := s.GetCurrentWac(ctx, orgID, branchID, input.ItemID)
			if err != nil {
				return err
			}
			existingQty, err := s.stock.OnHandQty(ctx, orgID, branchID, input.ItemID)
			if err != nil {
				return err
			}
			qty, newWac := rule(existingQty, priorWac)
			layer := CostLayer{
				ID:          uuid.New(),
				OrgID:       orgID,
				BranchID:    branchID,
				ItemID:      input.ItemID,
				LocationID:  input.LocationID,
				QtyReceived: qty,
				UnitCost:    input.UnitCost,
				PriorWac:    priorWac,
				NewWac:      newWac,
				SourceType:  input.SourceType,
				SourceID:    input.SourceID,
				EffectiveAt: effectiveAt,
				CreatedBy:   shared.UUIDPtr(userID),
				Metadata:    input.Metadata,
				CreatedAt:   s.now().UTC(),
			}
			inserted, err := s.repo.InsertLayer(ctx, layer)
			if err != nil {
				return fmt.Errorf("costing: insert layer: %w", err)
			}
			if !inserted {
				stored, err := s.repo.FindBySource(ctx, orgID, branchID, input.ItemID, input.SourceType, input.SourceID)
				if err != nil {
					return err
				}
				result = resultFromLayer(stored, true)
				return nil
			}
			created = true
			result = resultFromLayer(layer, false)
			return nil
		})
	})
	if err != nil {
		s.metrics.CostLayer(input.SourceType, "rejected")
		return CostLayerResult{}, err
	}
	if !created {
		s.metrics.CostLayer(input.SourceType, "idempotent")
		return result, nil
	}
	s.metrics.CostLayer(input.SourceType, "created")
	s.logger.InfoContext(ctx, "cost layer created",
		slog.String("org_id", orgID.String()),
		slog.String("item_id", input.ItemID.String()),
		slog.String("source_type", input.SourceType),
		slog.String("source_id", input.SourceID),
		slog.String("prior_wac", result.PriorWac.String()),
		slog.String("new_wac", result.NewWac.String()),
	)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			OrgID:    orgID,
			ActorID:  userID,
			Action:   "cost_layer.created",
			Entity:   "cost_layer",
			EntityID: result.ID.String(),
			Meta: map[string]any{
				"item_id":     input.ItemID.String(),
				"source_type": input.SourceType,
				"source_id":   input.SourceID,
				"prior_wac":   result.PriorWac.String(),
				"new_wac":     result.NewWac.String(),
			},
			At: s.now().UTC(),
		})
	}
	return result, nil
}

// GetValuation values on-hand stock at current WAC for every item with cost
// layers or ledger movements in the branch.
func (s *Store) GetValuation(ctx context.Context, orgID, branchID uuid.UUID, filter ValuationFilter) (Valuation, error) {
	if orgID == uuid.Nil || branchID == uuid.Nil {
		return Valuation{}, fmt.Errorf("%w: org and branch required", ErrInvalidInput)
	}
	items, err := s.repo.ListCostedItems(ctx, orgID, branchID)
	if err != nil {
		return Valuation{}, err
	}

	lines := make([]ValuationLine, len(items))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.fanout)
	for i, itemID := range items {
		i, itemID := i, itemID
		group.Go(func() error {
			qty, err := s.stock.OnHandQty(gctx, orgID, branchID, itemID)
			if err != nil {
				return err
			}
			wac, err := s.GetCurrentWac(gctx, orgID, branchID, itemID)
			if err != nil {
				return err
			}
			lines[i] = ValuationLine{ItemID: itemID, OnHandQty: qty, Wac: wac, Value: qty.Mul(wac)}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Valuation{}, err
	}

	valuation := Valuation{OrgID: orgID, BranchID: branchID, TotalValue: decimal.Zero, AsOf: s.now().UTC()}
	for _, line := range lines {
		if line.OnHandQty.IsZero() && !filter.IncludeZeroStock {
			continue
		}
		valuation.Lines = append(valuation.Lines, line)
		valuation.TotalValue = valuation.TotalValue.Add(line.Value)
	}
	sort.Slice(valuation.Lines, func(i, j int) bool {
		return valuation.Lines[i].ItemID.String() < valuation.Lines[j].ItemID.String()
	})
	return valuation, nil
}

// GetCostLayerHistory returns the item's layers, newest first.
func (s *Store) GetCostLayerHistory(ctx context.Context, orgID, branchID, itemID uuid.UUID, limit int) ([]CostLayer, error) {
	if orgID == uuid.Nil || branchID == uuid.Nil || itemID == uuid.Nil {
		return nil, fmt.Errorf("%w: org, branch and item required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListLayers(ctx, orgID, branchID, itemID, limit)
}

func (s *Store) validateInput(orgID, branchID uuid.UUID, input CostLayerInput) error {
	if orgID == uuid.Nil || branchID == uuid.Nil {
		return fmt.Errorf("%w: org and branch required", ErrInvalidInput)
	}
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if input.UnitCost.IsNegative() {
		return fmt.Errorf("%w: unit_cost must not be negative", ErrInvalidInput)
	}
	return nil
}

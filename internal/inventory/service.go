package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

// RepositoryPort abstracts ledger persistence.
type RepositoryPort interface {
	FindByIdempotencyKey(ctx context.Context, orgID, branchID uuid.UUID, sourceType, sourceID, key string) (LedgerEntry, error)
	SumQty(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error)
	// Insert returns inserted=false when the idempotency key already exists.
	Insert(ctx context.Context, entry LedgerEntry) (inserted bool, err error)
	LockKey(ctx context.Context, key string) error
	CountBySource(ctx context.Context, orgID uuid.UUID, sourceType, sourceID string) (int, error)
}

// TxRunner opens a unit of work; nested calls join the outer one.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(context.Context) error) error
}

// Ledger is the stock ledger: append-only signed movements per item and location.
type Ledger struct {
	repo RepositoryPort
	tx   TxRunner
	now  func() time.Time
}

// NewLedger builds Ledger.
func NewLedger(repo RepositoryPort, tx TxRunner) *Ledger {
	return &Ledger{repo: repo, tx: tx, now: time.Now}
}

// WithNow overrides the clock for testing.
func (l *Ledger) WithNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// OnHandQty returns the signed sum of all movements for the item.
func (l *Ledger) OnHandQty(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error) {
	if orgID == uuid.Nil || branchID == uuid.Nil || itemID == uuid.Nil {
		return decimal.Zero, errors.New("inventory: org, branch and item required")
	}
	return l.repo.SumQty(ctx, orgID, branchID, itemID)
}

// LockItems serializes the given items for the rest of the transaction in ctx.
// Keys are taken in sorted order so concurrent callers cannot deadlock.
func (l *Ledger) LockItems(ctx context.Context, orgID, branchID uuid.UUID, itemIDs []uuid.UUID) error {
	keys := make([]string, 0, len(itemIDs))
	seen := make(map[uuid.UUID]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, shared.ItemLockKey(orgID, branchID, id))
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := l.repo.LockKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Append posts a movement. Replays of the same (source, idempotency key) return the
// stored entry without writing; a replayed outflow on a still negative item is
// reported as a shortage again. When the movement drives on-hand negative the result
// is an *InsufficientStockError; with AllowNegative the entry is persisted anyway.
func (l *Ledger) Append(ctx context.Context, orgID, branchID uuid.UUID, mv Movement, opts AppendOptions) (LedgerEntry, error) {
	if err := validateMovement(orgID, branchID, mv); err != nil {
		return LedgerEntry{}, err
	}
	if mv.IdempotencyKey == "" {
		mv.IdempotencyKey = mv.ItemID.String()
	}
	if mv.EffectiveAt.IsZero() {
		mv.EffectiveAt = l.now().UTC()
	}

	var (
		entry    LedgerEntry
		stockErr *InsufficientStockError
	)
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.repo.LockKey(ctx, shared.ItemLockKey(orgID, branchID, mv.ItemID)); err != nil {
			return err
		}
		existing, err := l.repo.FindByIdempotencyKey(ctx, orgID, branchID, mv.SourceType, mv.SourceID, mv.IdempotencyKey)
		if err == nil {
			entry = existing
			stockErr, err = l.replayShortage(ctx, orgID, branchID, existing, opts)
			return err
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		onHand, err := l.repo.SumQty(ctx, orgID, branchID, mv.ItemID)
		if err != nil {
			return err
		}
		if onHand.Add(mv.Qty).IsNegative() {
			stockErr = &InsufficientStockError{ItemID: mv.ItemID, OnHand: onHand, Requested: mv.Qty.Neg()}
			if !opts.AllowNegative {
				return stockErr
			}
			stockErr.Posted = true
		}
		candidate := LedgerEntry{
			ID:             uuid.New(),
			OrgID:          orgID,
			BranchID:       branchID,
			ItemID:         mv.ItemID,
			LocationID:     mv.LocationID,
			Qty:            mv.Qty,
			Reason:         mv.Reason,
			SourceType:     mv.SourceType,
			SourceID:       mv.SourceID,
			IdempotencyKey: mv.IdempotencyKey,
			EffectiveAt:    mv.EffectiveAt,
			Metadata:       mv.Metadata,
			CreatedAt:      l.now().UTC(),
		}
		inserted, err := l.repo.Insert(ctx, candidate)
		if err != nil {
			return fmt.Errorf("inventory: append: %w", err)
		}
		if !inserted {
			existing, err := l.repo.FindByIdempotencyKey(ctx, orgID, branchID, mv.SourceType, mv.SourceID, mv.IdempotencyKey)
			if err != nil {
				return err
			}
			entry = existing
			stockErr, err = l.replayShortage(ctx, orgID, branchID, existing, opts)
			return err
		}
		entry = candidate
		return nil
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	if stockErr != nil {
		return entry, stockErr
	}
	return entry, nil
}

// replayShortage reports an outbound replay whose item is still short. Only
// callers that allow negative stock see the shortage.
func (l *Ledger) replayShortage(ctx context.Context, orgID, branchID uuid.UUID, entry LedgerEntry, opts AppendOptions) (*InsufficientStockError, error) {
	if !opts.AllowNegative || !entry.Qty.IsNegative() {
		return nil, nil
	}
	onHand, err := l.repo.SumQty(ctx, orgID, branchID, entry.ItemID)
	if err != nil {
		return nil, err
	}
	if !onHand.IsNegative() {
		return nil, nil
	}
	return &InsufficientStockError{ItemID: entry.ItemID, OnHand: onHand.Sub(entry.Qty), Requested: entry.Qty.Neg(), Posted: true}, nil
}

// CountBySource returns how many movements a source document has posted.
func (l *Ledger) CountBySource(ctx context.Context, orgID uuid.UUID, sourceType, sourceID string) (int, error) {
	return l.repo.CountBySource(ctx, orgID, sourceType, sourceID)
}

func validateMovement(orgID, branchID uuid.UUID, mv Movement) error {
	if orgID == uuid.Nil || branchID == uuid.Nil {
		return errors.New("inventory: org and branch required")
	}
	if mv.ItemID == uuid.Nil || mv.LocationID == uuid.Nil {
		return errors.New("inventory: item and location required")
	}
	if mv.Qty.IsZero() {
		return ErrInvalidQuantity
	}
	if strings.TrimSpace(mv.SourceType) == "" || strings.TrimSpace(mv.SourceID) == "" {
		return errors.New("inventory: source type and source id required")
	}
	if mv.Reason == "" {
		return errors.New("inventory: reason required")
	}
	return nil
}

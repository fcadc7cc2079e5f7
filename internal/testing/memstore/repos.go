package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	accshared "github.com/odyssey-erp/odyssey-costing/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-costing/internal/cogs"
	"github.com/odyssey-erp/odyssey-costing/internal/costing"
	"github.com/odyssey-erp/odyssey-costing/internal/depletion"
	"github.com/odyssey-erp/odyssey-costing/internal/integration"
	"github.com/odyssey-erp/odyssey-costing/internal/inventory"
	"github.com/odyssey-erp/odyssey-costing/internal/masterdata/locations"
	"github.com/odyssey-erp/odyssey-costing/internal/recipes"
	"github.com/odyssey-erp/odyssey-costing/internal/sales/orders"
)

// LedgerRepo implements inventory.RepositoryPort.
type LedgerRepo struct{ s *Store }

// Ledger returns the stock ledger repository.
func (s *Store) Ledger() LedgerRepo { return LedgerRepo{s: s} }

func (r LedgerRepo) FindByIdempotencyKey(ctx context.Context, orgID, branchID uuid.UUID, sourceType, sourceID, key string) (inventory.LedgerEntry, error) {
	var found inventory.LedgerEntry
	err := r.s.do(ctx, func(st *state) error {
		for _, e := range st.ledger {
			if e.OrgID == orgID && e.BranchID == branchID && e.SourceType == sourceType && e.SourceID == sourceID && e.IdempotencyKey == key {
				found = e
				return nil
			}
		}
		return inventory.ErrEntryNotFound
	})
	return found, err
}

func (r LedgerRepo) SumQty(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	err := r.s.do(ctx, func(st *state) error {
		for _, e := range st.ledger {
			if e.OrgID == orgID && e.BranchID == branchID && e.ItemID == itemID {
				total = total.Add(e.Qty)
			}
		}
		return nil
	})
	if err == nil {
		r.s.fire(OpLedgerSum)
	}
	return total, err
}

func (r LedgerRepo) Insert(ctx context.Context, entry inventory.LedgerEntry) (bool, error) {
	if err := r.s.failure(OpLedgerInsert); err != nil {
		return false, err
	}
	inserted := false
	err := r.s.do(ctx, func(st *state) error {
		for _, e := range st.ledger {
			if e.OrgID == entry.OrgID && e.BranchID == entry.BranchID && e.SourceType == entry.SourceType &&
				e.SourceID == entry.SourceID && e.IdempotencyKey == entry.IdempotencyKey {
				return nil
			}
		}
		st.ledger = append(st.ledger, entry)
		inserted = true
		r.s.onRollback(ctx, func(st *state) {
			st.ledger = slices.DeleteFunc(st.ledger, func(e inventory.LedgerEntry) bool { return e.ID == entry.ID })
		})
		return nil
	})
	return inserted, err
}

func (r LedgerRepo) LockKey(ctx context.Context, key string) error { return r.s.LockKey(ctx, key) }

func (r LedgerRepo) CountBySource(ctx context.Context, orgID uuid.UUID, sourceType, sourceID string) (int, error) {
	n := 0
	err := r.s.do(ctx, func(st *state) error {
		for _, e := range st.ledger {
			if e.OrgID == orgID && e.SourceType == sourceType && e.SourceID == sourceID {
				n++
			}
		}
		return nil
	})
	return n, err
}

// LayerRepo implements costing.Repository.
type LayerRepo struct{ s *Store }

// Layers returns the cost layer repository.
func (s *Store) Layers() LayerRepo { return LayerRepo{s: s} }

func (r LayerRepo) LatestLayer(ctx context.Context, orgID, branchID, itemID uuid.UUID) (costing.CostLayer, error) {
	layers, err := r.ListLayers(ctx, orgID, branchID, itemID, 1)
	if err != nil {
		return costing.CostLayer{}, err
	}
	if len(layers) == 0 {
		return costing.CostLayer{}, costing.ErrLayerNotFound
	}
	return layers[0], nil
}

func (r LayerRepo) FindBySource(ctx context.Context, orgID, branchID, itemID uuid.UUID, sourceType, sourceID string) (costing.CostLayer, error) {
	var found costing.CostLayer
	err := r.s.do(ctx, func(st *state) error {
		for _, l := range st.layers {
			if l.OrgID == orgID && l.BranchID == branchID && l.ItemID == itemID && l.SourceType == sourceType && l.SourceID == sourceID {
				found = l
				return nil
			}
		}
		return costing.ErrLayerNotFound
	})
	return found, err
}

func (r LayerRepo) InsertLayer(ctx context.Context, layer costing.CostLayer) (bool, error) {
	if err := r.s.failure(OpLayerInsert); err != nil {
		return false, err
	}
	inserted := false
	err := r.s.do(ctx, func(st *state) error {
		for _, l := range st.layers {
			if l.OrgID == layer.OrgID && l.BranchID == layer.BranchID && l.ItemID == layer.ItemID &&
				l.SourceType == layer.SourceType && l.SourceID == layer.SourceID {
				return nil
			}
		}
		st.layers = append(st.layers, layer)
		inserted = true
		r.s.onRollback(ctx, func(st *state) {
			st.layers = slices.DeleteFunc(st.layers, func(l costing.CostLayer) bool { return l.ID == layer.ID })
		})
		return nil
	})
	return inserted, err
}

func (r LayerRepo) ListLayers(ctx context.Context, orgID, branchID, itemID uuid.UUID, limit int) ([]costing.CostLayer, error) {
	type indexed struct {
		layer costing.CostLayer
		seq   int
	}
	var matched []indexed
	err := r.s.do(ctx, func(st *state) error {
		for i, l := range st.layers {
			if l.OrgID == orgID && l.BranchID == branchID && l.ItemID == itemID {
				matched = append(matched, indexed{layer: l, seq: i})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].layer, matched[j].layer
		if !a.EffectiveAt.Equal(b.EffectiveAt) {
			return a.EffectiveAt.After(b.EffectiveAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return matched[i].seq > matched[j].seq
	})
	out := make([]costing.CostLayer, 0, len(matched))
	for _, m := range matched {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.layer)
	}
	return out, nil
}

func (r LayerRepo) ListCostedItems(ctx context.Context, orgID, branchID uuid.UUID) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	err := r.s.do(ctx, func(st *state) error {
		for _, l := range st.layers {
			if l.OrgID == orgID && l.BranchID == branchID {
				add(l.ItemID)
			}
		}
		for _, e := range st.ledger {
			if e.OrgID == orgID && e.BranchID == branchID {
				add(e.ItemID)
			}
		}
		return nil
	})
	return ids, err
}

func (r LayerRepo) LockKey(ctx context.Context, key string) error { return r.s.LockKey(ctx, key) }

// BreakdownRepo implements cogs.Repository.
type BreakdownRepo struct{ s *Store }

// Breakdowns returns the cost breakdown repository.
func (s *Store) Breakdowns() BreakdownRepo { return BreakdownRepo{s: s} }

func (r BreakdownRepo) FindLive(ctx context.Context, depletionID, itemID uuid.UUID) (cogs.Breakdown, error) {
	var found cogs.Breakdown
	err := r.s.do(ctx, func(st *state) error {
		for _, b := range st.breakdowns {
			if b.DepletionID == depletionID && b.ItemID == itemID && !b.IsDeleted() {
				found = b
				return nil
			}
		}
		return cogs.ErrBreakdownNotFound
	})
	return found, err
}

func (r BreakdownRepo) Insert(ctx context.Context, b cogs.Breakdown) (bool, error) {
	if err := r.s.failure(OpBreakdownInsert); err != nil {
		return false, err
	}
	inserted := false
	err := r.s.do(ctx, func(st *state) error {
		for _, existing := range st.breakdowns {
			if existing.DepletionID == b.DepletionID && existing.ItemID == b.ItemID && !existing.IsDeleted() {
				return nil
			}
		}
		st.breakdowns = append(st.breakdowns, b)
		inserted = true
		r.s.onRollback(ctx, func(st *state) {
			st.breakdowns = slices.DeleteFunc(st.breakdowns, func(x cogs.Breakdown) bool { return x.ID == b.ID })
		})
		return nil
	})
	return inserted, err
}

func (r BreakdownRepo) List(ctx context.Context, filter cogs.ListFilter) ([]cogs.Breakdown, error) {
	var out []cogs.Breakdown
	err := r.s.do(ctx, func(st *state) error {
		for _, b := range st.breakdowns {
			switch {
			case b.OrgID != filter.OrgID:
			case filter.BranchID != nil && b.BranchID != *filter.BranchID:
			case filter.DepletionID != nil && b.DepletionID != *filter.DepletionID:
			case !filter.From.IsZero() && b.ComputedAt.Before(filter.From):
			case !filter.To.IsZero() && !b.ComputedAt.Before(filter.To):
			case b.IsDeleted() && !filter.IncludeDeleted:
			default:
				out = append(out, b)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ComputedAt.Equal(out[j].ComputedAt) {
			return out[i].ComputedAt.Before(out[j].ComputedAt)
		}
		return out[i].ItemID.String() < out[j].ItemID.String()
	})
	return out, err
}

func (r BreakdownRepo) SoftDeleteByDepletion(ctx context.Context, depletionID uuid.UUID, tomb cogs.Tombstone) (int64, error) {
	var n int64
	err := r.s.do(ctx, func(st *state) error {
		for i := range st.breakdowns {
			if st.breakdowns[i].DepletionID == depletionID && !st.breakdowns[i].IsDeleted() {
				t := tomb
				st.breakdowns[i].Deleted = &t
				id := st.breakdowns[i].ID
				r.s.onRollback(ctx, func(st *state) {
					for j := range st.breakdowns {
						if st.breakdowns[j].ID == id {
							st.breakdowns[j].Deleted = nil
						}
					}
				})
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r BreakdownRepo) OrderCogsTotal(ctx context.Context, orgID uuid.UUID, orderIDs []uuid.UUID) (*decimal.Decimal, error) {
	var total *decimal.Decimal
	err := r.s.do(ctx, func(st *state) error {
		for _, id := range orderIDs {
			o, ok := st.orders[id]
			if !ok || o.OrgID != orgID || o.CogsTotal == nil {
				continue
			}
			sum := *o.CogsTotal
			if total != nil {
				sum = total.Add(sum)
			}
			total = &sum
		}
		return nil
	})
	return total, err
}

func (r BreakdownRepo) ListScopes(ctx context.Context, from, to time.Time) ([]cogs.Scope, error) {
	seen := map[cogs.Scope]struct{}{}
	var out []cogs.Scope
	err := r.s.do(ctx, func(st *state) error {
		for _, b := range st.breakdowns {
			if b.IsDeleted() || b.ComputedAt.Before(from) || !b.ComputedAt.Before(to) {
				continue
			}
			scope := cogs.Scope{OrgID: b.OrgID, BranchID: b.BranchID}
			if _, ok := seen[scope]; !ok {
				seen[scope] = struct{}{}
				out = append(out, scope)
			}
		}
		return nil
	})
	return out, err
}

// DepletionRepo implements depletion.Repository.
type DepletionRepo struct{ s *Store }

// Depletions returns the depletion repository.
func (s *Store) Depletions() DepletionRepo { return DepletionRepo{s: s} }

func (r DepletionRepo) GetByID(ctx context.Context, orgID, id uuid.UUID) (depletion.Depletion, error) {
	var found depletion.Depletion
	err := r.s.do(ctx, func(st *state) error {
		d, ok := st.depletions[id]
		if !ok || d.OrgID != orgID {
			return depletion.ErrNotFound
		}
		found = cloneDepletion(d)
		return nil
	})
	return found, err
}

func (r DepletionRepo) GetByOrderID(ctx context.Context, orgID, orderID uuid.UUID) (depletion.Depletion, error) {
	var found depletion.Depletion
	err := r.s.do(ctx, func(st *state) error {
		for _, d := range st.depletions {
			if d.OrgID == orgID && d.OrderID == orderID {
				found = cloneDepletion(d)
				return nil
			}
		}
		return depletion.ErrNotFound
	})
	return found, err
}

func (r DepletionRepo) InsertOrGet(ctx context.Context, d depletion.Depletion) (depletion.Depletion, bool, error) {
	if err := r.s.failure(OpDepletionInsert); err != nil {
		return depletion.Depletion{}, false, err
	}
	var (
		stored   depletion.Depletion
		inserted bool
	)
	err := r.s.do(ctx, func(st *state) error {
		for _, existing := range st.depletions {
			if existing.OrgID == d.OrgID && existing.OrderID == d.OrderID {
				stored = cloneDepletion(existing)
				return nil
			}
		}
		st.depletions[d.ID] = cloneDepletion(d)
		stored = d
		inserted = true
		r.s.onRollback(ctx, func(st *state) { delete(st.depletions, d.ID) })
		return nil
	})
	return stored, inserted, err
}

func (r DepletionRepo) Transition(ctx context.Context, d depletion.Depletion, from ...depletion.Status) error {
	if err := r.s.failure(OpDepletionTransition); err != nil {
		return err
	}
	return r.s.do(ctx, func(st *state) error {
		current, ok := st.depletions[d.ID]
		if !ok || current.OrgID != d.OrgID {
			return depletion.ErrStatusConflict
		}
		allowed := false
		for _, status := range from {
			if current.Status == status {
				allowed = true
			}
		}
		if !allowed {
			return depletion.ErrStatusConflict
		}
		r.s.restoreDepletion(ctx, current)
		current.Status = d.Status
		current.LedgerEntryCount = d.LedgerEntryCount
		current.ErrorCode = d.ErrorCode
		current.ErrorMessage = d.ErrorMessage
		current.PostedAt = d.PostedAt
		current.GLPostingStatus = d.GLPostingStatus
		current.Metadata = d.Metadata
		current.UpdatedAt = d.UpdatedAt
		st.depletions[d.ID] = cloneDepletion(current)
		return nil
	})
}

func (r DepletionRepo) UpdateGL(ctx context.Context, d depletion.Depletion) error {
	if err := r.s.failure(OpDepletionUpdateGL); err != nil {
		return err
	}
	return r.s.do(ctx, func(st *state) error {
		current, ok := st.depletions[d.ID]
		if !ok || current.OrgID != d.OrgID {
			return nil
		}
		r.s.restoreDepletion(ctx, current)
		current.GLJournalEntryID = d.GLJournalEntryID
		current.GLPostingStatus = d.GLPostingStatus
		current.GLPostingError = d.GLPostingError
		current.Metadata.GLStatus = d.GLPostingStatus
		current.UpdatedAt = d.UpdatedAt
		st.depletions[d.ID] = current
		return nil
	})
}

func (r DepletionRepo) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	return r.s.do(ctx, func(st *state) error {
		d, ok := st.depletions[id]
		if !ok || d.OrgID != orgID {
			return depletion.ErrNotFound
		}
		r.s.restoreDepletion(ctx, d)
		delete(st.depletions, id)
		return nil
	})
}

func (r DepletionRepo) List(ctx context.Context, filter depletion.ListFilter, limit, offset int) ([]depletion.Depletion, int, error) {
	var rows []depletion.Depletion
	err := r.s.do(ctx, func(st *state) error {
		for _, d := range st.depletions {
			if !matches(d, filter.OrgID, filter.BranchID, filter.From, filter.To) {
				continue
			}
			if filter.Status != nil && d.Status != *filter.Status {
				continue
			}
			rows = append(rows, cloneDepletion(d))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
	total := len(rows)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return rows[offset:end], total, nil
}

func (r DepletionRepo) Stats(ctx context.Context, filter depletion.StatsFilter) (depletion.Stats, error) {
	stats := depletion.Stats{
		ByStatus:   map[depletion.Status]int{},
		ByGLStatus: map[integration.GLStatus]int{},
		CogsTotal:  decimal.Zero,
	}
	err := r.s.do(ctx, func(st *state) error {
		for _, d := range st.depletions {
			if !matches(d, filter.OrgID, filter.BranchID, filter.From, filter.To) {
				continue
			}
			stats.Total++
			stats.ByStatus[d.Status]++
			stats.ByGLStatus[d.GLPostingStatus]++
			stats.LedgerEntries += d.LedgerEntryCount
			if d.Status != depletion.StatusSkipped {
				stats.CogsTotal = stats.CogsTotal.Add(d.Metadata.CogsTotal)
			}
		}
		return nil
	})
	return stats, err
}

func (r DepletionRepo) ListGLUnposted(ctx context.Context, olderThan time.Time, limit int) ([]depletion.Depletion, error) {
	var rows []depletion.Depletion
	err := r.s.do(ctx, func(st *state) error {
		for _, d := range st.depletions {
			if d.Status != depletion.StatusPosted && d.Status != depletion.StatusFailed {
				continue
			}
			if d.GLPostingStatus != integration.GLStatusPending && d.GLPostingStatus != integration.GLStatusFailed {
				continue
			}
			if !d.UpdatedAt.Before(olderThan) {
				continue
			}
			rows = append(rows, cloneDepletion(d))
		}
		return nil
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.Before(rows[j].UpdatedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, err
}

func matches(d depletion.Depletion, orgID uuid.UUID, branchID *uuid.UUID, from, to time.Time) bool {
	switch {
	case d.OrgID != orgID:
		return false
	case branchID != nil && d.BranchID != *branchID:
		return false
	case !from.IsZero() && d.CreatedAt.Before(from):
		return false
	case !to.IsZero() && !d.CreatedAt.Before(to):
		return false
	}
	return true
}

// OrderRepo implements the POS order read model.
type OrderRepo struct{ s *Store }

// Orders returns the order repository.
func (s *Store) Orders() OrderRepo { return OrderRepo{s: s} }

func (r OrderRepo) Get(ctx context.Context, orgID, orderID uuid.UUID) (orders.Order, error) {
	var found orders.Order
	err := r.s.do(ctx, func(st *state) error {
		o, ok := st.orders[orderID]
		if !ok || o.OrgID != orgID {
			return orders.ErrNotFound
		}
		found = o
		return nil
	})
	return found, err
}

func (r OrderRepo) SetCogsTotal(ctx context.Context, orgID, orderID uuid.UUID, total decimal.Decimal) error {
	if err := r.s.failure(OpOrderSetCogs); err != nil {
		return err
	}
	return r.s.do(ctx, func(st *state) error {
		o, ok := st.orders[orderID]
		if !ok || o.OrgID != orgID {
			return orders.ErrNotFound
		}
		previous := o
		r.s.onRollback(ctx, func(st *state) { st.orders[orderID] = previous })
		value := total
		o.CogsTotal = &value
		st.orders[orderID] = o
		return nil
	})
}

// RecipeRepo implements the recipe lookup.
type RecipeRepo struct{ s *Store }

// Recipes returns the recipe repository.
func (s *Store) Recipes() RecipeRepo { return RecipeRepo{s: s} }

func (r RecipeRepo) GetByTarget(ctx context.Context, orgID uuid.UUID, targetType string, targetID uuid.UUID) (*recipes.Recipe, error) {
	if err := r.s.failure(OpRecipeGet); err != nil {
		return nil, err
	}
	var found *recipes.Recipe
	err := r.s.do(ctx, func(st *state) error {
		if recipe, ok := st.recipes[recipeKey(targetType, targetID)]; ok {
			found = &recipe
		}
		return nil
	})
	return found, err
}

// LocationRepo implements the location reads used by depletion.
type LocationRepo struct{ s *Store }

// Locations returns the location repository.
func (s *Store) Locations() LocationRepo { return LocationRepo{s: s} }

func (r LocationRepo) Get(ctx context.Context, orgID, id uuid.UUID) (locations.Location, error) {
	return r.first(ctx, func(l locations.Location) bool { return l.OrgID == orgID && l.ID == id })
}

func (r LocationRepo) FindByCode(ctx context.Context, orgID, branchID uuid.UUID, code string) (locations.Location, error) {
	return r.first(ctx, func(l locations.Location) bool {
		return l.OrgID == orgID && l.BranchID == branchID && l.IsActive && strings.EqualFold(l.Code, code)
	})
}

func (r LocationRepo) FindByType(ctx context.Context, orgID, branchID uuid.UUID, locationType string) (locations.Location, error) {
	return r.first(ctx, func(l locations.Location) bool {
		return l.OrgID == orgID && l.BranchID == branchID && l.IsActive && l.Type == locationType
	})
}

func (r LocationRepo) ListActive(ctx context.Context, orgID, branchID uuid.UUID) ([]locations.Location, error) {
	var out []locations.Location
	err := r.s.do(ctx, func(st *state) error {
		for _, l := range st.locations {
			if l.OrgID == orgID && l.BranchID == branchID && l.IsActive {
				out = append(out, l)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r LocationRepo) first(ctx context.Context, match func(locations.Location) bool) (locations.Location, error) {
	var candidates []locations.Location
	err := r.s.do(ctx, func(st *state) error {
		for _, l := range st.locations {
			if match(l) {
				candidates = append(candidates, l)
			}
		}
		return nil
	})
	if err != nil {
		return locations.Location{}, err
	}
	if len(candidates) == 0 {
		return locations.Location{}, locations.ErrNotFound
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return candidates[0], nil
}

// PeriodRepo implements periods.Repository.
type PeriodRepo struct{ s *Store }

// Periods returns the fiscal period repository.
func (s *Store) Periods() PeriodRepo { return PeriodRepo{s: s} }

func (r PeriodRepo) FindPeriodByDate(ctx context.Context, orgID uuid.UUID, date time.Time) (periods.FiscalPeriod, error) {
	if err := r.s.failure(OpPeriodFind); err != nil {
		return periods.FiscalPeriod{}, err
	}
	var found periods.FiscalPeriod
	err := r.s.do(ctx, func(st *state) error {
		for _, p := range st.periods {
			if p.OrgID == orgID && p.Contains(date) {
				found = p
				return nil
			}
		}
		return periods.ErrPeriodNotFound
	})
	return found, err
}

// JournalRepo implements journals.Repository.
type JournalRepo struct{ s *Store }

// Journals returns the journal repository.
func (s *Store) Journals() JournalRepo { return JournalRepo{s: s} }

func (r JournalRepo) InsertJournalEntry(ctx context.Context, entry journals.JournalEntry) error {
	if err := r.s.failure(OpJournalInsert); err != nil {
		return err
	}
	return r.s.do(ctx, func(st *state) error {
		entry.Lines = nil
		st.journals[entry.ID] = entry
		r.s.onRollback(ctx, func(st *state) { delete(st.journals, entry.ID) })
		return nil
	})
}

func (r JournalRepo) InsertJournalLines(ctx context.Context, entryID uuid.UUID, lines []journals.JournalLine) error {
	return r.s.do(ctx, func(st *state) error {
		entry, ok := st.journals[entryID]
		if !ok {
			return accshared.ErrJournalNotFound
		}
		previous := entry
		r.s.onRollback(ctx, func(st *state) {
			if _, ok := st.journals[entryID]; ok {
				st.journals[entryID] = previous
			}
		})
		entry.Lines = append(append([]journals.JournalLine(nil), entry.Lines...), lines...)
		st.journals[entryID] = entry
		return nil
	})
}

func (r JournalRepo) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID uuid.UUID) error {
	return r.s.do(ctx, func(st *state) error {
		key := linkKey(module, ref)
		if _, ok := st.links[key]; ok {
			return accshared.ErrSourceConflict
		}
		st.links[key] = entryID
		r.s.onRollback(ctx, func(st *state) { delete(st.links, key) })
		return nil
	})
}

func (r JournalRepo) FindBySource(ctx context.Context, module string, ref uuid.UUID) (journals.JournalEntry, error) {
	var found journals.JournalEntry
	err := r.s.do(ctx, func(st *state) error {
		id, ok := st.links[linkKey(module, ref)]
		if !ok {
			return accshared.ErrJournalNotFound
		}
		entry, ok := st.journals[id]
		if !ok {
			return accshared.ErrJournalNotFound
		}
		found = entry
		return nil
	})
	return found, err
}

func (r JournalRepo) GetJournal(ctx context.Context, id uuid.UUID) (journals.JournalEntry, error) {
	var found journals.JournalEntry
	err := r.s.do(ctx, func(st *state) error {
		entry, ok := st.journals[id]
		if !ok {
			return accshared.ErrJournalNotFound
		}
		found = entry
		return nil
	})
	return found, err
}

// MappingRepo implements mappings.Repository.
type MappingRepo struct{ s *Store }

// Mappings returns the account mapping repository.
func (s *Store) Mappings() MappingRepo { return MappingRepo{s: s} }

func (r MappingRepo) Get(ctx context.Context, orgID uuid.UUID, module, key string) (mappings.AccountMapping, error) {
	var found mappings.AccountMapping
	err := r.s.do(ctx, func(st *state) error {
		m, ok := st.mappings[mappingKey(orgID, strings.ToUpper(module), key)]
		if !ok {
			return accshared.ErrMappingNotFound
		}
		found = m
		return nil
	})
	return found, err
}

// restoreDepletion registers the pre-statement image of d for rollback.
// Called from inside do.
func (s *Store) restoreDepletion(ctx context.Context, d depletion.Depletion) {
	previous := cloneDepletion(d)
	s.onRollback(ctx, func(st *state) { st.depletions[previous.ID] = cloneDepletion(previous) })
}

// Package memstore is an in-memory stand-in for the postgres repositories.
// Transactions run concurrently. Statements apply as they execute and a
// failed transaction replays its undo log. LockKey behaves like a
// transaction-scoped advisory lock, so unsynchronised read-modify-write
// sequences race here the same way they would against postgres.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/cogs"
	"github.com/odyssey-erp/odyssey-costing/internal/costing"
	"github.com/odyssey-erp/odyssey-costing/internal/depletion"
	"github.com/odyssey-erp/odyssey-costing/internal/inventory"
	"github.com/odyssey-erp/odyssey-costing/internal/masterdata/locations"
	"github.com/odyssey-erp/odyssey-costing/internal/recipes"
	"github.com/odyssey-erp/odyssey-costing/internal/sales/orders"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

// Operation names accepted by FailOn and After.
const (
	OpLedgerInsert        = "ledger.insert"
	OpLedgerSum           = "ledger.sum"
	OpLayerInsert         = "layer.insert"
	OpBreakdownInsert     = "breakdown.insert"
	OpDepletionInsert     = "depletion.insert"
	OpDepletionTransition = "depletion.transition"
	OpDepletionUpdateGL   = "depletion.update_gl"
	OpOrderSetCogs        = "order.set_cogs"
	OpRecipeGet           = "recipe.get"
	OpJournalInsert       = "journal.insert"
	OpPeriodFind          = "period.find"
)

type txKey struct{}

// txn is one open transaction. undo is guarded by Store.mu; held is only
// touched by the goroutine running the transaction.
type txn struct {
	store *Store
	undo  []func(st *state)
	held  map[string]struct{}
}

type auditRow struct {
	seq uint64
	log shared.AuditLog
}

type state struct {
	ledger     []inventory.LedgerEntry
	layers     []costing.CostLayer
	breakdowns []cogs.Breakdown
	depletions map[uuid.UUID]depletion.Depletion
	orders     map[uuid.UUID]orders.Order
	recipes    map[string]recipes.Recipe
	locations  []locations.Location
	periods    []periods.FiscalPeriod
	journals   map[uuid.UUID]journals.JournalEntry
	links      map[string]uuid.UUID
	mappings   map[string]mappings.AccountMapping
	audits     []auditRow
	auditSeq   uint64
}

// Store holds every table in memory.
type Store struct {
	mu sync.Mutex
	st state

	lockMu   sync.Mutex
	locks    map[string]chan struct{}
	noLocks  bool
	failMu   sync.Mutex
	failures map[string]error
	hooks    map[string]func()
}

// Option configures a Store.
type Option func(*Store)

// WithoutAdvisoryLocks turns LockKey into a no-op.
func WithoutAdvisoryLocks() Option {
	return func(s *Store) { s.noLocks = true }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		st: state{
			depletions: map[uuid.UUID]depletion.Depletion{},
			orders:     map[uuid.UUID]orders.Order{},
			recipes:    map[string]recipes.Recipe{},
			journals:   map[uuid.UUID]journals.JournalEntry{},
			links:      map[string]uuid.UUID{},
			mappings:   map[string]mappings.AccountMapping{},
		},
		locks:    map[string]chan struct{}{},
		failures: map[string]error{},
		hooks:    map[string]func(){},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithinTx runs fn as one transaction. Writes made by fn are undone when it
// returns an error. Advisory locks taken with LockKey are held until fn
// returns. Nested calls join the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(context.Context) error) error {
	if s.txOf(ctx) != nil {
		return fn(ctx)
	}
	tx := &txn{store: s, held: map[string]struct{}{}}
	err := fn(context.WithValue(ctx, txKey{}, tx))
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i](&s.st)
		}
		s.mu.Unlock()
	}
	s.unlockAll(tx)
	return err
}

// LockKey blocks until the transaction in ctx holds key. Locks are re-entrant
// within a transaction. Outside a transaction the lock is released at once,
// as a pg_advisory_xact_lock in an auto-committed statement would be.
func (s *Store) LockKey(ctx context.Context, key string) error {
	if s.noLocks {
		return nil
	}
	tx := s.txOf(ctx)
	if tx != nil {
		if _, ok := tx.held[key]; ok {
			return nil
		}
	}
	sem := s.semaphore(key)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if tx == nil {
		<-sem
		return nil
	}
	tx.held[key] = struct{}{}
	return nil
}

func (s *Store) semaphore(key string) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	sem, ok := s.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[key] = sem
	}
	return sem
}

func (s *Store) unlockAll(tx *txn) {
	for key := range tx.held {
		<-s.semaphore(key)
	}
	tx.held = nil
}

// FailOn makes op return err until ClearFailures is called.
func (s *Store) FailOn(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures[op] = err
}

// After runs fn after every successful op until ClearFailures is called.
// fn runs on the caller's goroutine without any store lock held.
func (s *Store) After(op string, fn func()) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.hooks[op] = fn
}

// ClearFailures removes every injected failure and hook.
func (s *Store) ClearFailures() {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures = map[string]error{}
	s.hooks = map[string]func(){}
}

func (s *Store) failure(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[op]
}

func (s *Store) fire(op string) {
	s.failMu.Lock()
	fn := s.hooks[op]
	s.failMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Store) txOf(ctx context.Context) *txn {
	tx, ok := ctx.Value(txKey{}).(*txn)
	if !ok || tx.store != s {
		return nil
	}
	return tx
}

// do runs fn as one statement. Outside a transaction it auto-commits.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.st)
}

// onRollback registers undo for the transaction in ctx. It must be called
// from inside do.
func (s *Store) onRollback(ctx context.Context, undo func(st *state)) {
	if tx := s.txOf(ctx); tx != nil {
		tx.undo = append(tx.undo, undo)
	}
}

// Record implements the audit port.
func (s *Store) Record(ctx context.Context, log shared.AuditLog) error {
	return s.do(ctx, func(st *state) error {
		st.auditSeq++
		seq := st.auditSeq
		st.audits = append(st.audits, auditRow{seq: seq, log: log})
		s.onRollback(ctx, func(st *state) {
			st.audits = slices.DeleteFunc(st.audits, func(r auditRow) bool { return r.seq == seq })
		})
		return nil
	})
}

// Audits returns the recorded audit logs, optionally filtered by action.
func (s *Store) Audits(action string) []shared.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []shared.AuditLog
	for _, row := range s.st.audits {
		if action == "" || row.log.Action == action {
			out = append(out, row.log)
		}
	}
	return out
}

// AddOrder stores a POS order.
func (s *Store) AddOrder(order orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.orders[order.ID] = order
}

// Order returns a stored order.
func (s *Store) Order(id uuid.UUID) (orders.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.st.orders[id]
	return order, ok
}

// AddRecipe stores a recipe keyed by its target.
func (s *Store) AddRecipe(recipe recipes.Recipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.recipes[recipeKey(recipe.TargetType, recipe.TargetID)] = recipe
}

// AddLocation stores a stock location.
func (s *Store) AddLocation(loc locations.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC().Add(time.Duration(len(s.st.locations)) * time.Millisecond)
	}
	s.st.locations = append(s.st.locations, loc)
}

// AddPeriod stores a fiscal period.
func (s *Store) AddPeriod(p periods.FiscalPeriod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.periods = append(s.st.periods, p)
}

// ClosePeriod flips the status of a stored period.
func (s *Store) ClosePeriod(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.periods {
		if s.st.periods[i].ID == id {
			s.st.periods[i].Status = periods.PeriodStatusClosed
		}
	}
}

// AddMapping stores an account mapping.
func (s *Store) AddMapping(m mappings.AccountMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Module = strings.ToUpper(m.Module)
	s.st.mappings[mappingKey(m.OrgID, m.Module, m.Key)] = m
}

// SetDepletion overwrites a stored depletion row.
func (s *Store) SetDepletion(d depletion.Depletion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.depletions[d.ID] = cloneDepletion(d)
}

// LedgerEntries returns every ledger entry of a source document.
func (s *Store) LedgerEntries(sourceType, sourceID string) []inventory.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.LedgerEntry
	for _, e := range s.st.ledger {
		if e.SourceType == sourceType && e.SourceID == sourceID {
			out = append(out, e)
		}
	}
	return out
}

// BreakdownRows returns every breakdown row of a depletion, tombstoned ones included.
func (s *Store) BreakdownRows(depletionID uuid.UUID) []cogs.Breakdown {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []cogs.Breakdown
	for _, b := range s.st.breakdowns {
		if b.DepletionID == depletionID {
			out = append(out, b)
		}
	}
	return out
}

// JournalCount returns the number of posted journal entries.
func (s *Store) JournalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.journals)
}

func recipeKey(targetType string, targetID uuid.UUID) string {
	return targetType + ":" + targetID.String()
}

func mappingKey(orgID uuid.UUID, module, key string) string {
	return orgID.String() + ":" + module + ":" + key
}

func linkKey(module string, ref uuid.UUID) string {
	return module + ":" + ref.String()
}

func cloneDepletion(d depletion.Depletion) depletion.Depletion {
	d.Metadata.Lines = slices.Clone(d.Metadata.Lines)
	for i := range d.Metadata.Lines {
		d.Metadata.Lines[i].StockErrors = slices.Clone(d.Metadata.Lines[i].StockErrors)
	}
	if d.Metadata.Partial != nil {
		partial := *d.Metadata.Partial
		d.Metadata.Partial = &partial
	}
	if d.Metadata.Extra != nil {
		extra := make(map[string]string, len(d.Metadata.Extra))
		for k, v := range d.Metadata.Extra {
			extra[k] = v
		}
		d.Metadata.Extra = extra
	}
	return d
}

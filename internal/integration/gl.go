package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-costing/internal/observability"
)

// GLStatus is the outcome of a best-effort GL posting.
type GLStatus string

const (
	GLStatusPending GLStatus = "PENDING"
	GLStatusPosted  GLStatus = "POSTED"
	GLStatusFailed  GLStatus = "FAILED"
	GLStatusSkipped GLStatus = "SKIPPED"
)

// GLResult carries the posting outcome back to the caller instead of an error.
type GLResult struct {
	Status         GLStatus   `json:"status"`
	JournalEntryID *uuid.UUID `json:"journal_entry_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Account mapping keys used for COGS journals.
const (
	MappingModule       = "COSTING"
	MappingKeyCogs      = "costing.cogs"
	MappingKeyInventory = "costing.inventory"
	SourceModuleCogs    = "COSTING.DEPLETION"
)

// Ledger exposes journal posting operations required by integrations.
type Ledger interface {
	PostJournal(ctx context.Context, input journals.PostingInput) (journals.JournalEntry, error)
	FindBySource(ctx context.Context, module string, ref uuid.UUID) (journals.JournalEntry, error)
	ReverseJournal(ctx context.Context, input journals.ReverseInput) (journals.JournalEntry, error)
}

// AccountMappingRepository provides mapping lookups.
type AccountMappingRepository interface {
	Get(ctx context.Context, orgID uuid.UUID, module, key string) (mappings.AccountMapping, error)
}

// GLBridge posts depletion COGS to the general ledger as Dr COGS / Cr Inventory.
type GLBridge struct {
	ledger      Ledger
	mappingRepo AccountMappingRepository
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *observability.CostingMetrics
	now         func() time.Time
}

// NewGLBridge constructs the bridge. A nil ledger makes every posting SKIPPED.
func NewGLBridge(ledger Ledger, mappingRepo AccountMappingRepository, timeout time.Duration, logger *slog.Logger, metrics *observability.CostingMetrics) *GLBridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GLBridge{ledger: ledger, mappingRepo: mappingRepo, timeout: timeout, logger: logger, metrics: metrics, now: time.Now}
}

// DepletionPosting identifies one GL posting attempt of a depletion.
type DepletionPosting struct {
	OrgID       uuid.UUID
	BranchID    uuid.UUID
	DepletionID uuid.UUID
	// Attempt is zero for the first run and increments on every retry.
	Attempt   int
	TotalCogs decimal.Decimal
	PostedBy  uuid.UUID
}

// DepletionSourceID derives the journal source id of a depletion attempt.
// Each retry links its own journal so a replayed cost never collides with
// the entry of an earlier run.
func DepletionSourceID(depletionID uuid.UUID, attempt int) uuid.UUID {
	name := fmt.Sprintf("DEPLETION:%s", depletionID)
	if attempt > 0 {
		name = fmt.Sprintf("%s:%d", name, attempt)
	}
	return uuid.NewSHA1(uuid.Nil, []byte(name))
}

// PostDepletion posts the COGS journal of a depletion. It never returns an
// error: failures are reported in the result for later reconciliation.
func (b *GLBridge) PostDepletion(ctx context.Context, in DepletionPosting) GLResult {
	result := b.post(ctx, in)
	b.metrics.GLPosting(string(result.Status))
	if result.Status == GLStatusFailed {
		b.logger.WarnContext(ctx, "gl posting failed",
			slog.String("depletion_id", in.DepletionID.String()),
			slog.Int("attempt", in.Attempt),
			slog.String("total_cogs", in.TotalCogs.String()),
			slog.String("error", result.Error),
		)
	}
	return result
}

// ReverseDepletion reverses the journal linked to the given attempt. It
// returns nil when that attempt never reached the ledger.
func (b *GLBridge) ReverseDepletion(ctx context.Context, in DepletionPosting) (*uuid.UUID, error) {
	if b == nil || b.ledger == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	entry, err := b.ledger.FindBySource(ctx, SourceModuleCogs, DepletionSourceID(in.DepletionID, in.Attempt))
	if errors.Is(err, shared.ErrJournalNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("integration: find depletion journal: %w", err)
	}
	reversal, err := b.ledger.ReverseJournal(ctx, journals.ReverseInput{
		EntryID: entry.ID,
		ActorID: in.PostedBy,
		Memo:    fmt.Sprintf("COGS depletion %s retry", in.DepletionID),
	})
	if err != nil {
		b.metrics.GLPosting(string(GLStatusFailed))
		return nil, fmt.Errorf("integration: reverse depletion journal: %w", err)
	}
	b.metrics.GLPosting("REVERSED")
	b.logger.InfoContext(ctx, "gl depletion journal reversed",
		slog.String("depletion_id", in.DepletionID.String()),
		slog.String("journal_id", entry.ID.String()),
		slog.String("reversal_id", reversal.ID.String()),
	)
	return &reversal.ID, nil
}

func (b *GLBridge) post(ctx context.Context, in DepletionPosting) GLResult {
	if b == nil || b.ledger == nil || b.mappingRepo == nil {
		return GLResult{Status: GLStatusSkipped, Error: "gl posting not configured"}
	}
	amount := monetary(in.TotalCogs)
	if !amount.IsPositive() {
		return GLResult{Status: GLStatusSkipped, Error: "no cogs to post"}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cogsAccount, err := b.resolveAccount(ctx, in.OrgID, MappingKeyCogs)
	if err != nil {
		return failed(err)
	}
	inventoryAccount, err := b.resolveAccount(ctx, in.OrgID, MappingKeyInventory)
	if err != nil {
		return failed(err)
	}
	sourceID := DepletionSourceID(in.DepletionID, in.Attempt)
	branch := in.BranchID
	entry, err := b.ledger.PostJournal(ctx, journals.PostingInput{
		OrgID:        in.OrgID,
		BranchID:     &branch,
		Date:         b.now().UTC(),
		SourceModule: SourceModuleCogs,
		SourceID:     sourceID,
		Memo:         fmt.Sprintf("COGS depletion %s", in.DepletionID),
		PostedBy:     in.PostedBy,
		Lines: []journals.PostingLineInput{
			{AccountID: cogsAccount, Debit: amount},
			{AccountID: inventoryAccount, Credit: amount},
		},
	})
	if err != nil {
		if errors.Is(err, shared.ErrSourceAlreadyLinked) {
			existing, findErr := b.ledger.FindBySource(ctx, SourceModuleCogs, sourceID)
			if findErr != nil {
				return failed(findErr)
			}
			return GLResult{Status: GLStatusPosted, JournalEntryID: &existing.ID}
		}
		return failed(err)
	}
	return GLResult{Status: GLStatusPosted, JournalEntryID: &entry.ID}
}

func (b *GLBridge) resolveAccount(ctx context.Context, orgID uuid.UUID, key string) (uuid.UUID, error) {
	mapping, err := b.mappingRepo.Get(ctx, orgID, MappingModule, key)
	if err != nil {
		return uuid.Nil, fmt.Errorf("integration: resolve %s: %w", key, err)
	}
	return mapping.AccountID, nil
}

func failed(err error) GLResult {
	return GLResult{Status: GLStatusFailed, Error: err.Error()}
}

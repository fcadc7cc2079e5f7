package journals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/accounting/shared"
	internalShared "github.com/odyssey-erp/odyssey-costing/internal/shared"
)

type AuditPort interface {
	Record(ctx context.Context, log internalShared.AuditLog) error
}

type PeriodGuard interface {
	AssertPeriodOpen(ctx context.Context, input periods.GuardInput) error
}

type TxRunner interface {
	WithinTx(ctx context.Context, fn func(context.Context) error) error
}

type Service struct {
	repo  Repository
	tx    TxRunner
	audit AuditPort
	guard PeriodGuard
	now   func() time.Time
}

func NewService(repo Repository, tx TxRunner, audit AuditPort, guard PeriodGuard) *Service {
	return &Service{repo: repo, tx: tx, audit: audit, guard: guard, now: time.Now}
}

func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostJournal writes a balanced entry linked to its source. A source that is
// already linked yields shared.ErrSourceAlreadyLinked and writes nothing.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if s.guard != nil {
		if err := s.guard.AssertPeriodOpen(ctx, periods.GuardInput{OrgID: input.OrgID, RecordDate: input.Date, Operation: "journal.post"}); err != nil {
			if errors.Is(err, periods.ErrPeriodClosed) {
				return JournalEntry{}, errors.Join(shared.ErrPeriodLocked, err)
			}
			return JournalEntry{}, err
		}
	}
	entry := JournalEntry{
		ID:           uuid.New(),
		OrgID:        input.OrgID,
		BranchID:     input.BranchID,
		Date:         input.Date,
		SourceModule: input.SourceModule,
		SourceID:     input.SourceID,
		Memo:         input.Memo,
		PostedBy:     internalShared.UUIDPtr(input.PostedBy),
		PostedAt:     s.now().UTC(),
		Status:       JournalStatusPosted,
		Lines:        toJournalLines(input.Lines),
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.InsertJournalEntry(ctx, entry); err != nil {
			return err
		}
		if err := s.repo.InsertJournalLines(ctx, entry.ID, entry.Lines); err != nil {
			return err
		}
		if err := s.repo.LinkSource(ctx, input.SourceModule, input.SourceID, entry.ID); err != nil {
			if errors.Is(err, shared.ErrSourceConflict) {
				return shared.ErrSourceAlreadyLinked
			}
			return err
		}
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, internalShared.AuditLog{
			OrgID:    input.OrgID,
			ActorID:  input.PostedBy,
			Action:   "journal.post",
			Entity:   "journal_entry",
			EntityID: entry.ID.String(),
			Meta: map[string]any{
				"source_module": input.SourceModule,
				"source_id":     input.SourceID.String(),
				"total":         entry.Total().String(),
			},
			At: s.now(),
		})
	}
	return entry, nil
}

// ReversalSuffix marks the source module of reversal entries.
const ReversalSuffix = ":REVERSAL"

// ReversalSourceID derives the source id linked to the reversal of entryID.
func ReversalSourceID(entryID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(entryID, []byte("REVERSAL"))
}

// ReverseJournal posts the mirror image of a posted entry, dated now. The
// reversal is linked to a source derived from the original entry, so a second
// call returns the reversal already on file.
func (s *Service) ReverseJournal(ctx context.Context, input ReverseInput) (JournalEntry, error) {
	if input.EntryID == uuid.Nil {
		return JournalEntry{}, errors.New("accounting: entry id required")
	}
	original, err := s.repo.GetJournal(ctx, input.EntryID)
	if err != nil {
		return JournalEntry{}, err
	}
	if original.Status != JournalStatusPosted {
		return JournalEntry{}, shared.ErrInvalidStatus
	}
	module := original.SourceModule + ReversalSuffix
	sourceID := ReversalSourceID(original.ID)
	reversal, err := s.PostJournal(ctx, PostingInput{
		OrgID:        original.OrgID,
		BranchID:     original.BranchID,
		Date:         s.now().UTC(),
		SourceModule: module,
		SourceID:     sourceID,
		Memo:         defaultReversalMemo(input.Memo, original.ID),
		PostedBy:     input.ActorID,
		Lines:        reverseLines(original.Lines),
	})
	if errors.Is(err, shared.ErrSourceAlreadyLinked) {
		return s.repo.FindBySource(ctx, module, sourceID)
	}
	if err != nil {
		return JournalEntry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, internalShared.AuditLog{
			OrgID:    original.OrgID,
			ActorID:  input.ActorID,
			Action:   "journal.reverse",
			Entity:   "journal_entry",
			EntityID: original.ID.String(),
			Meta: map[string]any{
				"reversal_id": reversal.ID.String(),
				"total":       reversal.Total().String(),
			},
			At: s.now(),
		})
	}
	return reversal, nil
}

// FindBySource returns the entry linked to a source.
func (s *Service) FindBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error) {
	return s.repo.FindBySource(ctx, module, ref)
}

func reverseLines(lines []JournalLine) []PostingLineInput {
	out := make([]PostingLineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, PostingLineInput{AccountID: line.AccountID, Debit: line.Credit, Credit: line.Debit})
	}
	return out
}

func defaultReversalMemo(memo string, entryID uuid.UUID) string {
	if memo != "" {
		return memo
	}
	return fmt.Sprintf("Reversal of %s", entryID)
}

func toJournalLines(lines []PostingLineInput) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, JournalLine{AccountID: line.AccountID, Debit: line.Debit, Credit: line.Credit})
	}
	return out
}

package journals

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// Repository encapsulates DB operations for journals. Writes join the
// transaction carried by ctx.
type Repository interface {
	InsertJournalEntry(ctx context.Context, entry JournalEntry) error
	InsertJournalLines(ctx context.Context, entryID uuid.UUID, lines []JournalLine) error
	LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID uuid.UUID) error
	FindBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error)
	GetJournal(ctx context.Context, id uuid.UUID) (JournalEntry, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) InsertJournalEntry(ctx context.Context, e JournalEntry) error {
	_, err := db.Conn(ctx, r.db).Exec(ctx, `INSERT INTO journal_entries (id, org_id, branch_id, entry_date, source_module, source_id, memo, posted_by, status, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, e.ID, e.OrgID, e.BranchID, e.Date, e.SourceModule, e.SourceID, e.Memo, e.PostedBy, string(e.Status), e.PostedAt)
	return err
}

func (r *repository) InsertJournalLines(ctx context.Context, entryID uuid.UUID, lines []JournalLine) error {
	conn := db.Conn(ctx, r.db)
	for _, line := range lines {
		if _, err := conn.Exec(ctx, `INSERT INTO journal_lines (je_id, account_id, debit, credit) VALUES ($1,$2,$3,$4)`,
			entryID, line.AccountID, line.Debit, line.Credit); err != nil {
			return err
		}
	}
	return nil
}

func (r *repository) LinkSource(ctx context.Context, module string, ref uuid.UUID, entryID uuid.UUID) error {
	_, err := db.Conn(ctx, r.db).Exec(ctx, `INSERT INTO source_links (module, ref_id, je_id) VALUES ($1,$2,$3)`, module, ref, entryID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return shared.ErrSourceConflict
		}
		return err
	}
	return nil
}

const journalColumns = `je.id, je.org_id, je.branch_id, je.entry_date, je.source_module, je.source_id, je.memo, je.posted_by, je.status, je.posted_at`

func (r *repository) FindBySource(ctx context.Context, module string, ref uuid.UUID) (JournalEntry, error) {
	conn := db.Conn(ctx, r.db)
	row := conn.QueryRow(ctx, `SELECT `+journalColumns+`
FROM source_links sl JOIN journal_entries je ON je.id = sl.je_id
WHERE sl.module=$1 AND sl.ref_id=$2`, module, ref)
	return r.load(ctx, conn, row)
}

func (r *repository) GetJournal(ctx context.Context, id uuid.UUID) (JournalEntry, error) {
	conn := db.Conn(ctx, r.db)
	row := conn.QueryRow(ctx, `SELECT `+journalColumns+` FROM journal_entries je WHERE je.id=$1`, id)
	return r.load(ctx, conn, row)
}

func (r *repository) load(ctx context.Context, conn db.Executor, row pgx.Row) (JournalEntry, error) {
	var (
		e      JournalEntry
		status string
	)
	err := row.Scan(&e.ID, &e.OrgID, &e.BranchID, &e.Date, &e.SourceModule, &e.SourceID, &e.Memo, &e.PostedBy, &status, &e.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, shared.ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	e.Status = JournalStatus(status)
	rows, err := conn.Query(ctx, `SELECT account_id, debit, credit FROM journal_lines WHERE je_id=$1 ORDER BY id`, e.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.AccountID, &line.Debit, &line.Credit); err != nil {
			return JournalEntry{}, err
		}
		e.Lines = append(e.Lines, line)
	}
	return e, rows.Err()
}

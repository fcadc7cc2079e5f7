package depletion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/integration"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

// PgRepository persists depletions in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const depletionColumns = `id, org_id, order_id, branch_id, location_id, status, ledger_entry_count, error_code, error_message,
posted_at, gl_journal_entry_id, gl_posting_status, gl_posting_error, metadata, created_by, created_at, updated_at`

func (r *PgRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (Depletion, error) {
	return r.one(ctx, `SELECT `+depletionColumns+` FROM depletions WHERE org_id=$1 AND id=$2`, orgID, id)
}

func (r *PgRepository) GetByOrderID(ctx context.Context, orgID, orderID uuid.UUID) (Depletion, error) {
	return r.one(ctx, `SELECT `+depletionColumns+` FROM depletions WHERE org_id=$1 AND order_id=$2`, orgID, orderID)
}

// InsertOrGet relies on uq_depletions_order: the loser of a race reads the
// winner's row instead of failing.
func (r *PgRepository) InsertOrGet(ctx context.Context, d Depletion) (Depletion, bool, error) {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return Depletion{}, false, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO depletions (`+depletionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT ON CONSTRAINT uq_depletions_order DO NOTHING`,
		d.ID, d.OrgID, d.OrderID, d.BranchID, d.LocationID, string(d.Status), d.LedgerEntryCount, nullString(string(d.ErrorCode)),
		nullString(d.ErrorMessage), d.PostedAt, nullString(d.GLJournalEntryID), string(d.GLPostingStatus), nullString(d.GLPostingError),
		meta, d.CreatedBy, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return Depletion{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return d, true, nil
	}
	stored, err := r.GetByOrderID(ctx, d.OrgID, d.OrderID)
	if err != nil {
		return Depletion{}, false, fmt.Errorf("depletion: read winner: %w", err)
	}
	return stored, false, nil
}

func (r *PgRepository) Transition(ctx context.Context, d Depletion, from ...Status) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return err
	}
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE depletions SET status=$3, ledger_entry_count=$4, error_code=$5, error_message=$6,
posted_at=$7, gl_posting_status=$8, metadata=$9, updated_at=$10
WHERE org_id=$1 AND id=$2 AND status = ANY($11)`,
		d.OrgID, d.ID, string(d.Status), d.LedgerEntryCount, nullString(string(d.ErrorCode)), nullString(d.ErrorMessage),
		d.PostedAt, string(d.GLPostingStatus), meta, d.UpdatedAt, allowed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *PgRepository) UpdateGL(ctx context.Context, d Depletion) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE depletions SET gl_journal_entry_id=$3, gl_posting_status=$4, gl_posting_error=$5,
metadata = jsonb_set(metadata, '{gl_status}', to_jsonb($4::text)), updated_at=$6
WHERE org_id=$1 AND id=$2`,
		d.OrgID, d.ID, nullString(d.GLJournalEntryID), string(d.GLPostingStatus), nullString(d.GLPostingError), d.UpdatedAt)
	return err
}

func (r *PgRepository) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM depletions WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Depletion, int, error) {
	where, args := listWhere(filter.OrgID, filter.BranchID, filter.From, filter.To)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where += fmt.Sprintf(" AND status=$%d", len(args))
	}
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM depletions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM depletions WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		depletionColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Depletion
	for rows.Next() {
		d, err := scanDepletion(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *PgRepository) Stats(ctx context.Context, filter StatsFilter) (Stats, error) {
	where, args := listWhere(filter.OrgID, filter.BranchID, filter.From, filter.To)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT status, gl_posting_status, COUNT(*), COALESCE(SUM(ledger_entry_count), 0),
COALESCE(SUM((metadata->>'cogs_total')::numeric), 0)
FROM depletions WHERE `+where+` GROUP BY status, gl_posting_status`, args...)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	stats := Stats{ByStatus: map[Status]int{}, ByGLStatus: map[integration.GLStatus]int{}, CogsTotal: decimal.Zero}
	for rows.Next() {
		var (
			status, glStatus string
			count, entries   int
			cogsTotal        decimal.Decimal
		)
		if err := rows.Scan(&status, &glStatus, &count, &entries, &cogsTotal); err != nil {
			return Stats{}, err
		}
		stats.Total += count
		stats.ByStatus[Status(status)] += count
		stats.ByGLStatus[integration.GLStatus(glStatus)] += count
		stats.LedgerEntries += entries
		if Status(status) != StatusSkipped {
			stats.CogsTotal = stats.CogsTotal.Add(cogsTotal)
		}
	}
	return stats, rows.Err()
}

func (r *PgRepository) ListGLUnposted(ctx context.Context, olderThan time.Time, limit int) ([]Depletion, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+depletionColumns+` FROM depletions
WHERE status IN ('POSTED', 'FAILED') AND gl_posting_status IN ('PENDING', 'FAILED') AND updated_at < $1
ORDER BY updated_at LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Depletion
	for rows.Next() {
		d, err := scanDepletion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PgRepository) one(ctx context.Context, query string, args ...any) (Depletion, error) {
	d, err := scanDepletion(db.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Depletion{}, ErrNotFound
		}
		return Depletion{}, err
	}
	return d, nil
}

func listWhere(orgID uuid.UUID, branchID *uuid.UUID, from, to time.Time) (string, []any) {
	clauses := []string{"org_id=$1"}
	args := []any{orgID}
	if branchID != nil {
		args = append(args, *branchID)
		clauses = append(clauses, fmt.Sprintf("branch_id=$%d", len(args)))
	}
	if !from.IsZero() {
		args = append(args, from)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func scanDepletion(row pgx.Row) (Depletion, error) {
	var (
		d                                       Depletion
		status, glStatus                        string
		errorCode, errorMessage, journal, glErr *string
		meta                                    []byte
	)
	if err := row.Scan(&d.ID, &d.OrgID, &d.OrderID, &d.BranchID, &d.LocationID, &status, &d.LedgerEntryCount, &errorCode,
		&errorMessage, &d.PostedAt, &journal, &glStatus, &glErr, &meta, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Depletion{}, err
	}
	d.Status = Status(status)
	d.GLPostingStatus = integration.GLStatus(glStatus)
	d.ErrorCode = ErrorCode(deref(errorCode))
	d.ErrorMessage = deref(errorMessage)
	d.GLJournalEntryID = deref(journal)
	d.GLPostingError = deref(glErr)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return Depletion{}, fmt.Errorf("depletion: decode metadata: %w", err)
		}
	}
	return d, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

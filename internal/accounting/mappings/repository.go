package mappings

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/db"
)

type Repository interface {
	Get(ctx context.Context, orgID uuid.UUID, module, key string) (AccountMapping, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// Get resolves an account mapping for the specified key.
func (r *repository) Get(ctx context.Context, orgID uuid.UUID, module, key string) (AccountMapping, error) {
	if orgID == uuid.Nil || module == "" || key == "" {
		return AccountMapping{}, errors.New("accounting: org, module and key required")
	}
	normalized := strings.ToUpper(module)
	var mapping AccountMapping
	err := db.Conn(ctx, r.db).QueryRow(ctx, `SELECT org_id, module, key, account_id, created_at, updated_at FROM account_mappings
WHERE org_id=$1 AND module=$2 AND key=$3`, orgID, normalized, key).
		Scan(&mapping.OrgID, &mapping.Module, &mapping.Key, &mapping.AccountID, &mapping.CreatedAt, &mapping.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, shared.ErrMappingNotFound
		}
		return AccountMapping{}, err
	}
	return mapping, nil
}

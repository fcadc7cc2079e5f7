package mappings

import (
	"time"

	"github.com/google/uuid"
)

// AccountMapping links integration keys to ledger accounts.
type AccountMapping struct {
	OrgID     uuid.UUID
	Module    string
	Key       string
	AccountID uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

package locations

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Well-known location code and type used for depletion.
const (
	CodeKitchen    = "KITCHEN"
	TypeProduction = "PRODUCTION"
	TypeStorage    = "STORAGE"
)

// ErrNotFound indicates no location matched.
var ErrNotFound = errors.New("locations: not found")

// Location is a stock-holding place inside a branch.
type Location struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	BranchID  uuid.UUID `json:"branch_id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

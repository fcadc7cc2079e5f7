package orders

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status of a POS order.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
	StatusVoid   Status = "VOID"
)

// ErrNotFound indicates the order does not exist for the org.
var ErrNotFound = errors.New("orders: not found")

// Order is the read model of a POS order.
type Order struct {
	ID        uuid.UUID        `json:"id"`
	OrgID     uuid.UUID        `json:"org_id"`
	BranchID  uuid.UUID        `json:"branch_id"`
	Number    string           `json:"number"`
	Status    Status           `json:"status"`
	ClosedAt  *time.Time       `json:"closed_at,omitempty"`
	CogsTotal *decimal.Decimal `json:"cogs_total,omitempty"`
	Lines     []Line           `json:"lines"`
}

// Line is one menu item sold on an order.
type Line struct {
	ID         uuid.UUID       `json:"id"`
	MenuItemID uuid.UUID       `json:"menu_item_id"`
	Name       string          `json:"name"`
	Qty        decimal.Decimal `json:"qty"`
	LineNo     int             `json:"line_no"`
}

// IsClosed reports whether the order can be depleted.
func (o Order) IsClosed() bool { return o.Status == StatusClosed }

package depletion

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-costing/internal/integration"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

// Status is the lifecycle state of a depletion.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPosted  Status = "POSTED"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// IsTerminal reports whether the status ends processing.
func (s Status) IsTerminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusSkipped
}

// ErrorCode classifies depletion outcomes surfaced to callers.
type ErrorCode string

const (
	CodeLocationNotFound  ErrorCode = "LOCATION_NOT_FOUND"
	CodeInsufficientStock ErrorCode = "INSUFFICIENT_STOCK"
	CodeNoRecipe          ErrorCode = "NO_RECIPE"
	CodeOrderNotClosed    ErrorCode = "ORDER_NOT_CLOSED"
	CodeOrderNotFound     ErrorCode = "ORDER_NOT_FOUND"
	CodeAlreadyProcessed  ErrorCode = "ALREADY_PROCESSED"
	CodePeriodLocked      ErrorCode = "PERIOD_LOCKED"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Ledger movement source type for order depletions.
const SourceTypeSaleOrder = "SALE_ORDER"

var (
	// ErrNotFound indicates the depletion does not exist for the org.
	ErrNotFound = errors.New("depletion: not found")
	// ErrInvalidInput indicates missing identifiers.
	ErrInvalidInput = errors.New("depletion: invalid input")
	// ErrNotRetryable is returned when retrying a depletion that is not FAILED.
	ErrNotRetryable = errors.New("depletion: only FAILED depletions can be retried")
	// ErrNotSkippable is returned when skipping a POSTED or SKIPPED depletion.
	ErrNotSkippable = errors.New("depletion: only PENDING or FAILED depletions can be skipped")
	// ErrStatusConflict indicates a concurrent status transition won.
	ErrStatusConflict = errors.New("depletion: status changed concurrently")
)

// Error is a rejection carrying a taxonomy code. No depletion state exists
// when DepleteForOrder returns one.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("depletion: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("depletion: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// LineResult records what happened to one order line.
type LineResult struct {
	OrderLineID uuid.UUID       `json:"order_line_id"`
	MenuItemID  uuid.UUID       `json:"menu_item_id"`
	Name        string          `json:"name,omitempty"`
	Qty         decimal.Decimal `json:"qty"`
	RecipeID    *uuid.UUID      `json:"recipe_id,omitempty"`
	Processed   bool            `json:"processed"`
	SkipReason  ErrorCode       `json:"skip_reason,omitempty"`
	Movements   int             `json:"movements"`
	StockErrors []string        `json:"stock_errors,omitempty"`
}

// Partial keeps the counters reached before an unexpected failure rolled the
// unit of work back.
type Partial struct {
	Stage             string `json:"stage"`
	LinesPlanned      int    `json:"lines_planned"`
	MovementsPlanned  int    `json:"movements_planned"`
	MovementsAppended int    `json:"movements_appended"`
	Error             string `json:"error"`
}

// Metadata is the typed audit payload of a depletion.
type Metadata struct {
	ItemsProcessed int                  `json:"items_processed"`
	ItemsSkipped   int                  `json:"items_skipped"`
	Lines          []LineResult         `json:"lines,omitempty"`
	CogsTotal      decimal.Decimal      `json:"cogs_total"`
	GLStatus       integration.GLStatus `json:"gl_status,omitempty"`
	Partial        *Partial             `json:"partial,omitempty"`
	Extra          map[string]string    `json:"extra,omitempty"`
	// Attempt counts retries; it selects the GL source of the current run.
	Attempt int `json:"attempt,omitempty"`
}

// Depletion is the per-order record of ingredient consumption.
type Depletion struct {
	ID               uuid.UUID            `json:"id"`
	OrgID            uuid.UUID            `json:"org_id"`
	OrderID          uuid.UUID            `json:"order_id"`
	BranchID         uuid.UUID            `json:"branch_id"`
	LocationID       *uuid.UUID           `json:"location_id,omitempty"`
	Status           Status               `json:"status"`
	LedgerEntryCount int                  `json:"ledger_entry_count"`
	ErrorCode        ErrorCode            `json:"error_code,omitempty"`
	ErrorMessage     string               `json:"error_message,omitempty"`
	PostedAt         *time.Time           `json:"posted_at,omitempty"`
	GLJournalEntryID string               `json:"gl_journal_entry_id,omitempty"`
	GLPostingStatus  integration.GLStatus `json:"gl_posting_status"`
	GLPostingError   string               `json:"gl_posting_error,omitempty"`
	Metadata         Metadata             `json:"metadata"`
	CreatedBy        *uuid.UUID           `json:"created_by,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// DepletionResult is returned by DepleteForOrder and Retry.
type DepletionResult struct {
	Depletion    Depletion            `json:"depletion"`
	IsIdempotent bool                 `json:"is_idempotent"`
	TotalCogs    decimal.Decimal      `json:"total_cogs"`
	StockErrors  []string             `json:"stock_errors,omitempty"`
	GL           integration.GLResult `json:"gl"`
}

// ListFilter narrows List.
type ListFilter struct {
	OrgID    uuid.UUID
	Status   *Status
	BranchID *uuid.UUID
	From     time.Time
	To       time.Time
	Page     int
	PerPage  int
}

// StatsFilter narrows GetStats.
type StatsFilter struct {
	OrgID    uuid.UUID
	BranchID *uuid.UUID
	From     time.Time
	To       time.Time
}

// Stats aggregates depletions.
type Stats struct {
	Total         int                          `json:"total"`
	ByStatus      map[Status]int               `json:"by_status"`
	ByGLStatus    map[integration.GLStatus]int `json:"by_gl_status"`
	LedgerEntries int                          `json:"ledger_entries"`
	CogsTotal     decimal.Decimal              `json:"cogs_total"`
}

// Page is one page of depletions.
type Page struct {
	Items      []Depletion       `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// ReconcileSummary reports one GL reconciliation pass.
type ReconcileSummary struct {
	Scanned int `json:"scanned"`
	Posted  int `json:"posted"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

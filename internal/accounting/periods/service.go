package periods

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CodePeriodClosed is the machine readable code carried by ClosedError.
const CodePeriodClosed = "PERIOD_CLOSED_IMMUTABLE"

// ErrPeriodClosed matches every ClosedError through errors.Is.
var ErrPeriodClosed = errors.New("periods: period closed")

// ClosedError is raised when a mutation targets a CLOSED fiscal period.
type ClosedError struct {
	Code        string
	PeriodID    uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	Operation   string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("periods: %s rejected, period %s [%s, %s) is closed",
		e.Operation, e.PeriodID, e.PeriodStart.Format(time.RFC3339), e.PeriodEnd.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrPeriodClosed) match.
func (e *ClosedError) Is(target error) bool {
	return target == ErrPeriodClosed
}

// GuardInput describes the write being checked.
type GuardInput struct {
	OrgID      uuid.UUID
	RecordDate time.Time
	Operation  string
}

// Guard rejects mutations dated inside CLOSED periods. It has no side effects.
type Guard struct {
	repo Repository
}

// NewGuard constructs the guard.
func NewGuard(repo Repository) *Guard {
	return &Guard{repo: repo}
}

// AssertPeriodOpen returns *ClosedError when in.RecordDate falls in a CLOSED period.
// Dates outside every period are treated as open.
func (g *Guard) AssertPeriodOpen(ctx context.Context, in GuardInput) error {
	period, found, err := g.lookup(ctx, in.OrgID, in.RecordDate)
	if err != nil {
		return err
	}
	if !found || period.Status != PeriodStatusClosed {
		return nil
	}
	return &ClosedError{
		Code:        CodePeriodClosed,
		PeriodID:    period.ID,
		PeriodStart: period.StartsAt,
		PeriodEnd:   period.EndsAt,
		Operation:   in.Operation,
	}
}

// IsPeriodClosed is the non-throwing variant of AssertPeriodOpen.
func (g *Guard) IsPeriodClosed(ctx context.Context, orgID uuid.UUID, date time.Time) (bool, error) {
	period, found, err := g.lookup(ctx, orgID, date)
	if err != nil {
		return false, err
	}
	return found && period.Status == PeriodStatusClosed, nil
}

func (g *Guard) lookup(ctx context.Context, orgID uuid.UUID, date time.Time) (FiscalPeriod, bool, error) {
	if g == nil || g.repo == nil {
		return FiscalPeriod{}, false, errors.New("periods: guard not configured")
	}
	if orgID == uuid.Nil {
		return FiscalPeriod{}, false, errors.New("periods: org id required")
	}
	if date.IsZero() {
		return FiscalPeriod{}, false, errors.New("periods: record date required")
	}
	period, err := g.repo.FindPeriodByDate(ctx, orgID, date)
	if err != nil {
		if errors.Is(err, ErrPeriodNotFound) {
			return FiscalPeriod{}, false, nil
		}
		return FiscalPeriod{}, false, fmt.Errorf("periods: lookup: %w", err)
	}
	return period, true, nil
}

package periods

import (
	"time"

	"github.com/google/uuid"
)

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
)

// FiscalPeriod represents an accounting window for one organisation.
// StartsAt is inclusive and EndsAt exclusive; periods of an org never overlap.
type FiscalPeriod struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	Code      string
	StartsAt  time.Time
	EndsAt    time.Time
	Status    PeriodStatus
	ClosedAt  *time.Time
	ClosedBy  *uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether at falls inside the period window.
func (p FiscalPeriod) Contains(at time.Time) bool {
	return !at.Before(p.StartsAt) && at.Before(p.EndsAt)
}

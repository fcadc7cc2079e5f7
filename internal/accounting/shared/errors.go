// Package shared holds the errors the journal and mapping packages share with
// their callers in the GL bridge.
package shared

import "errors"

var (
	ErrUnbalanced  = errors.New("accounting: journal lines must balance")
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrPeriodLocked wraps periods.ErrPeriodClosed when a posting lands in a closed period.
	ErrPeriodLocked = errors.New("accounting: period locked")
	// ErrSourceAlreadyLinked is returned by PostJournal when the source already has an entry.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrSourceConflict is the repository level unique violation on source_links.
	ErrSourceConflict  = errors.New("accounting: source link conflict")
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
	ErrInvalidStatus   = errors.New("accounting: journal status does not allow this change")
	ErrMappingNotFound = errors.New("accounting: account mapping not found")
)

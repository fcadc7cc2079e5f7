package depletion

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-costing/internal/masterdata/locations"
)

// LocationReader is the stock location contract.
type LocationReader interface {
	Get(ctx context.Context, orgID, id uuid.UUID) (locations.Location, error)
	FindByCode(ctx context.Context, orgID, branchID uuid.UUID, code string) (locations.Location, error)
	FindByType(ctx context.Context, orgID, branchID uuid.UUID, locationType string) (locations.Location, error)
	ListActive(ctx context.Context, orgID, branchID uuid.UUID) ([]locations.Location, error)
}

var errNoLocation = errors.New("depletion: no stock location resolved")

// resolveLocation picks the depletion location: branch override, then the
// KITCHEN code, then the first PRODUCTION location, then the first active one.
func (s *Service) resolveLocation(ctx context.Context, orgID, branchID uuid.UUID) (locations.Location, error) {
	if id, ok := s.overrides[branchID]; ok {
		loc, err := s.locations.Get(ctx, orgID, id)
		switch {
		case err == nil && loc.IsActive && loc.BranchID == branchID:
			return loc, nil
		case err != nil && !errors.Is(err, locations.ErrNotFound):
			return locations.Location{}, err
		}
	}
	loc, err := s.locations.FindByCode(ctx, orgID, branchID, locations.CodeKitchen)
	if err == nil {
		return loc, nil
	}
	if !errors.Is(err, locations.ErrNotFound) {
		return locations.Location{}, err
	}
	loc, err = s.locations.FindByType(ctx, orgID, branchID, locations.TypeProduction)
	if err == nil {
		return loc, nil
	}
	if !errors.Is(err, locations.ErrNotFound) {
		return locations.Location{}, err
	}
	active, err := s.locations.ListActive(ctx, orgID, branchID)
	if err != nil {
		return locations.Location{}, err
	}
	if len(active) == 0 {
		return locations.Location{}, errNoLocation
	}
	return active[0], nil
}

package shared

import "errors"

var (
	// ErrTenantRequired indicates a request without organisation scope.
	ErrTenantRequired = errors.New("organisation scope required")
)

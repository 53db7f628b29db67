package endpoint

import "errors"

// Domain errors for the endpoint package.
var (
	// ErrNotFound is returned when no endpoint exists for the given ID.
	ErrNotFound = errors.New("endpoint: not found")

	// ErrInvalidEndpoint is returned when an endpoint is missing
	// required fields.
	ErrInvalidEndpoint = errors.New("endpoint: invalid endpoint")
)

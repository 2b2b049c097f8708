package domain

import "errors"

// Validation errors are the only ones surfaced synchronously to the caller
// of a search; everything that happens after scheduling is absorbed and
// reflected via the completion event's source list or server-side logs.
var (
	ErrInvalidQuery      = errors.New("query is required")
	ErrQueryTooLong      = errors.New("query too long")
	ErrInvalidPriceRange = errors.New("min price must not exceed max price")
	ErrInvalidPages      = errors.New("pages must be >= 1")
	ErrUnknownSource     = errors.New("unknown source")
	ErrNoSources         = errors.New("no sources enabled")

	ErrNotFound = errors.New("not found")
)

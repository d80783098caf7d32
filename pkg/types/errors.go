package types

import "errors"

// Row-level validation errors. Callers skip and log the offending row.
var (
	// ErrMalformedCoordinates is returned for missing-half, non-finite or out-of-range positions
	ErrMalformedCoordinates = errors.New("malformed coordinates")

	// ErrMalformedRow is returned when a staged row lacks a required field
	ErrMalformedRow = errors.New("malformed row")

	// ErrInvalidIdentifier is returned when a column or table name is not a plain SQL identifier
	ErrInvalidIdentifier = errors.New("invalid SQL identifier")
)

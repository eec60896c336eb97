package domain

import "errors"

var (
	// ErrForbidden is the single outcome for every authentication or
	// authorization failure. Callers never learn which check failed.
	ErrForbidden = errors.New("forbidden access")

	ErrNotFound       = errors.New("not found")
	ErrMalformedInput = errors.New("malformed input")
	ErrLockHeld       = errors.New("lock already held")
)

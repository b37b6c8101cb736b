package models

import "errors"

// Error taxonomy shared across the matching core. Callers classify with
// errors.Is; packages wrap these with context via fmt.Errorf("%w: ...").
var (
	// ErrInvalidInput covers malformed coordinates and missing required fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means a referenced request, suggestion, driver or trip does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMatchingFailed wraps query/persistence failures inside the matching
	// pipeline. The request stays pending and no partial suggestions are kept,
	// so the whole pipeline is safe to retry.
	ErrMatchingFailed = errors.New("matching failed")

	// ErrExpiredSuggestion signals an accept/reject attempt on a suggestion
	// past its expiration window. Distinct from ErrNotFound on purpose.
	ErrExpiredSuggestion = errors.New("suggestion expired")
)

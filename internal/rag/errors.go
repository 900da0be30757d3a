package rag

import "errors"

// Sentinel errors shared across the retrieval and conversation surfaces.
// Handlers map these onto HTTP status codes; everything else is a 500.
var (
	// ErrInvalidInput marks a request the caller can fix.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransientUpstream marks a provider failure that is worth retrying.
	ErrTransientUpstream = errors.New("transient upstream failure")

	// ErrIndexUnavailable marks a vector index that cannot serve searches.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrAtomicityViolation marks a replacement that could not be applied
	// as a unit across the index layers.
	ErrAtomicityViolation = errors.New("atomic replace failed")

	// ErrBudgetExceeded marks a prompt whose mandatory parts alone
	// overflow the context budget.
	ErrBudgetExceeded = errors.New("context budget exceeded")
)

package exchange

import "errors"

var (
	// ErrNotFound is returned when no exchange exists for the identifier.
	ErrNotFound = errors.New("exchange: not found")
	// ErrInvalidTransition signals an attempted move not in the transition table.
	ErrInvalidTransition = errors.New("exchange: invalid transition")
	// ErrUnauthorized signals the actor is not a party or broker for this
	// exchange, or holds the wrong role for its risk tier.
	ErrUnauthorized = errors.New("exchange: unauthorized")
	// ErrConcurrentModification signals the version the caller read is stale.
	// Callers must re-read and retry; the engine never retries on their behalf.
	ErrConcurrentModification = errors.New("exchange: concurrent modification")
	// ErrDuplicateConfirmation signals the party already confirmed. The
	// existing confirmation is returned alongside it; nothing is overwritten.
	ErrDuplicateConfirmation = errors.New("exchange: confirmation already submitted")
	// ErrExpired signals an action attempted on an already-expired exchange.
	ErrExpired = errors.New("exchange: request expired")
	// ErrValidation wraps malformed input: bad hours, self-exchange, missing reason.
	ErrValidation = errors.New("exchange: validation failed")
)

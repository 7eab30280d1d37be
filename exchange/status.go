package exchange

// transitions is the only authority on which status moves are legal. Anything
// absent from this table fails with ErrInvalidTransition.
var transitions = map[Status][]Status{
	StatusPendingProvider:     {StatusPendingBroker, StatusAccepted, StatusCancelled, StatusExpired},
	StatusPendingBroker:       {StatusAccepted, StatusCancelled, StatusExpired},
	StatusAccepted:            {StatusInProgress, StatusCancelled, StatusExpired},
	StatusInProgress:          {StatusPendingConfirmation, StatusCancelled, StatusExpired},
	StatusPendingConfirmation: {StatusCompleted, StatusDisputed, StatusCancelled, StatusExpired},
	StatusDisputed:            {StatusCompleted, StatusCancelled},
	StatusCompleted:           {},
	StatusCancelled:           {},
	StatusExpired:             {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the move from s to next is in the table.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Cancellable reports whether a party or broker may still cancel from s.
// Disputed exchanges are cancellable by brokers only; the service enforces
// the actor restriction.
func (s Status) Cancellable() bool {
	return s.CanTransition(StatusCancelled)
}

// Expirable reports whether the scheduler sweep may expire an exchange in s.
func (s Status) Expirable() bool {
	return s.CanTransition(StatusExpired)
}

// ActiveStatuses are the non-terminal states, in lifecycle order.
func ActiveStatuses() []Status {
	return []Status{
		StatusPendingProvider,
		StatusPendingBroker,
		StatusAccepted,
		StatusInProgress,
		StatusPendingConfirmation,
		StatusDisputed,
	}
}

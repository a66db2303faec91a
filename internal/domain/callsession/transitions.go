package callsession

import "fmt"

// allowedTransitions lists every accepted status edge. Self edges on the
// non-terminal states allow AI-status-only updates.
var allowedTransitions = map[Status]map[Status]bool{
	StatusScheduled: {
		StatusScheduled:  true,
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusInProgress: true,
		StatusCompleted:  true,
		StatusCancelled:  true,
	},
}

// CheckTransition returns ErrInvalidTransition unless from -> to is allowed.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: call is already %s", ErrInvalidTransition, from)
	}
	if !allowedTransitions[from][to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

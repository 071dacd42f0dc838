package dispatch

import "errors"

var (
	// ErrInvalidInput is returned synchronously for empty or malformed units and batches.
	ErrInvalidInput = errors.New("dispatch: invalid input")
	// ErrActionPanicked is recorded as the unit error when the action panics.
	ErrActionPanicked = errors.New("dispatch: action panicked")
)

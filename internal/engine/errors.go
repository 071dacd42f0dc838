package engine

import (
	"errors"
	"fmt"

	"pacebot/internal/transport"
)

var (
	ErrNoClient   = errors.New("engine: no client")
	ErrBadPayload = errors.New("engine: unexpected unit payload")
)

// DispatchFailure is the unit error after the bounded send retries ran out.
type DispatchFailure struct {
	Op       string
	Attempts int
	Err      error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// NoRetry marks an error as permanent so the send wrapper gives up at once.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

func permanent(err error) bool {
	var nr noRetryError
	return errors.As(err, &nr) ||
		errors.Is(err, transport.ErrUnsupportedPayload) ||
		errors.Is(err, transport.ErrNotFound) ||
		errors.Is(err, transport.ErrPartialSend) ||
		errors.Is(err, transport.ErrRejected) ||
		errors.Is(err, ErrBadPayload)
}

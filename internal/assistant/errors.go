package assistant

import "errors"

var (
	// ErrUnavailable covers transport failures and runs that ended without an answer.
	ErrUnavailable = errors.New("assistant unavailable")
	// ErrTimeout means the poll budget ran out before the run completed.
	ErrTimeout = errors.New("assistant timed out")
	// ErrMalformed means the assistant answered with something that is not a valid response document.
	ErrMalformed = errors.New("assistant response malformed")
)

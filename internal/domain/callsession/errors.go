package callsession

import "errors"

// Errors returned by the call store and service. Handlers map them to HTTP
// status codes with errors.Is.
var (
	ErrNotFound          = errors.New("call not found")
	ErrConflict          = errors.New("call already exists")
	ErrMismatch          = errors.New("patient id mismatch")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPrecondition      = errors.New("call not found or not completed")
	ErrValidation        = errors.New("invalid request")
)

package models

import "errors"

var (
	ErrSignatureInvalid         = errors.New("signature invalid")
	ErrStaleEvent               = errors.New("stale event")
	ErrValidation               = errors.New("validation error")
	ErrConflict                 = errors.New("conflict")
	ErrStepTimeout              = errors.New("step timeout")
	ErrStepExecution            = errors.New("step execution error")
	ErrPersistence              = errors.New("persistence error")
	ErrDispatchQueueUnavailable = errors.New("dispatch queue unavailable")
	ErrNotFound                 = errors.New("not found")
	ErrCancelled                = errors.New("cancelled")
	ErrGateFailed               = errors.New("quality gate failed")
)

// Retryable reports whether a step failure goes through the retry path.
func Retryable(err error) bool {
	return errors.Is(err, ErrStepTimeout) || errors.Is(err, ErrStepExecution) || errors.Is(err, ErrGateFailed)
}

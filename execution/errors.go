package execution

import "errors"

// Errors returned by Engine.
var (
	// ErrBusy is returned when admission control turns a submission away.
	ErrBusy = errors.New("engine busy")
	// ErrDuplicateSubmission is returned when a submission id is already in flight.
	ErrDuplicateSubmission = errors.New("duplicate submission id")
	// ErrInternal accompanies an InternalError result.
	ErrInternal = errors.New("internal error")
	// ErrUnknownSubmission is returned by Cancel for ids that are not in flight.
	ErrUnknownSubmission = errors.New("unknown submission")
	// ErrInvalidSubmission is returned for malformed submissions.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is shut down")
	// ErrCancelled is the cancellation cause recorded by Cancel.
	ErrCancelled = errors.New("submission cancelled")
	// ErrDegraded is reported by Health after an unrecovered internal error.
	ErrDegraded = errors.New("engine degraded")
)

package dispatcher

import "errors"

var (
	ErrDuplicateJob = errors.New("duplicate job dispatch")

	ErrJobPanic = errors.New("job handler panicked")

	ErrJobCanceled = errors.New("job canceled")

	ErrAgentStopped = errors.New("agent stopped")
)

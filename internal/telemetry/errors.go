package telemetry

import (
	"errors"
)

var (
	ErrCapabilityUnavailable = errors.New("position observation capability unavailable")
	ErrLocationUnavailable   = errors.New("location unavailable")
)

// LocationUnavailableError is returned when a one-shot fetch fails.
type LocationUnavailableError struct {
	SubjectId string
	Cause     error
}

func (e *LocationUnavailableError) Error() string {
	if e.Cause == nil {
		return "location unavailable for " + e.SubjectId
	}
	return "location unavailable for " + e.SubjectId + ": " + e.Cause.Error()
}

func (e *LocationUnavailableError) Unwrap() error {
	return e.Cause
}

func (e *LocationUnavailableError) Is(target error) bool {
	return target == ErrLocationUnavailable
}

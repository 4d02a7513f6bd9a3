package job

import (
	"errors"
	"strings"
)

// Kind classifies a job failure for the response envelope and metrics.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInputResolution     Kind = "input_resolution"
	KindEngineUnavailable   Kind = "engine_unavailable"
	KindConnectionExhausted Kind = "connection_exhausted"
	KindExecutionFailed     Kind = "execution_failed"
	KindTimeout             Kind = "timeout"
)

// Error is the single failure type the controller returns. Message is safe to
// show to callers; Details carries optional per-item context (node errors,
// available models).
type Error struct {
	Kind    Kind
	Message string
	Details []string

	cause error
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the failure kind from an error returned by the controller.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngineUnavailable
}

// Package apierr defines the abstract error kinds the diarization
// pipeline and scheduler fail with, so HTTP handlers can map them to
// status codes without string-matching error messages.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error kinds from the error taxonomy.
type Kind string

const (
	QueueFull           Kind = "QueueFull"
	Cancelled           Kind = "Cancelled"
	Timeout             Kind = "Timeout"
	Expired             Kind = "Expired"
	AudioDecodeFailure  Kind = "AudioDecodeFailure"
	EmptyAudio          Kind = "EmptyAudio"
	ModelLoadFailure    Kind = "ModelLoadFailure"
	InferenceFailure    Kind = "InferenceFailure"
	SeparationFailure   Kind = "SeparationFailure"
	Busy                Kind = "Busy"
	InputValidation     Kind = "InputValidation"
	InternalError       Kind = "InternalError"
)

// Error wraps an underlying cause with an abstract kind so callers can
// branch on it with errors.As instead of matching message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to InternalError if err
// is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

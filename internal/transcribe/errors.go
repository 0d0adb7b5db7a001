package transcribe

import (
	"errors"
	"fmt"
)

// Kind classifies inference failures so callers can distinguish resource
// exhaustion from bad input without string matching.
type Kind int

const (
	KindInferenceFailure Kind = iota
	KindOutOfMemory
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out_of_memory"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "inference_failure"
	}
}

// Error wraps an underlying failure with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err under kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report as inference failures.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInferenceFailure
}

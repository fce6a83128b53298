package billing

import (
	"errors"
	"fmt"
)

// Kind classifies a billing error so callers can distinguish retryable
// conditions from terminal ones
type Kind uint8

// Defining error kinds
const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindUnauthorized
	KindInvalidSignature
	KindGateway
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindUnauthorized:
		return "Unauthorized"
	case KindInvalidSignature:
		return "InvalidWebhookSignature"
	case KindGateway:
		return "ExternalGatewayError"
	case KindValidation:
		return "ValidationError"
	default:
		return "Unknown"
	}
}

// Error is a domain error with a Kind attached
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError returns a domain error of the given Kind
func NewError(kind Kind, msg string) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// WrapError attaches a Kind and message to an underlying error
func WrapError(kind Kind, err error, msg string) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
		Err:     err,
	}
}

// KindOf extracts the Kind from an error chain, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the caller may retry the operation
func IsRetryable(err error) bool {
	return KindOf(err) == KindGateway
}

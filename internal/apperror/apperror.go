// Package apperror centralizes the error-kind taxonomy from spec §7 so
// both services' Fiber error handlers can map any returned error to the
// right HTTP status without each handler repeating fiber.Map boilerplate.
package apperror

import (
	"errors"
	"fmt"
)

// Kind is a behavioral error classification, not a type name.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindUnauthorized     Kind = "unauthorized"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindPaymentRequired  Kind = "payment_required"
	KindConflict         Kind = "conflict"
	KindTooLarge         Kind = "too_large"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
)

// Error wraps an underlying cause with a Kind and an optional structured
// payload (e.g. the x402 accepts[] body on KindPaymentRequired).
type Error struct {
	Kind    Kind
	Message string
	Payload any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithPayload attaches a structured body (e.g. x402 accepts[]) to the error.
func (e *Error) WithPayload(payload any) *Error {
	e.Payload = payload
	return e
}

// StatusCode maps a Kind to its HTTP status per spec §7.
func StatusCode(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return 400
	case KindUnauthorized:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindPaymentRequired:
		return 402
	case KindConflict:
		return 409
	case KindTooLarge:
		return 413
	case KindUnavailable:
		return 503
	default:
		return 500
	}
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
